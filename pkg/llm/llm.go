package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one normalized message of a thread, in canonical order.
type Message struct {
	AuthorID string
	Text     string
}

// Analysis is the structured result of analyzing one thread.
type Analysis struct {
	// Output is the parsed JSON object returned by the model.
	Output json.RawMessage

	Sentiment string
	Topics    []string
	Gaps      []string
	Summary   string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostEstimate     float64
}

// Analyzer produces insights for conversation threads.
type Analyzer interface {
	Analyze(ctx context.Context, thread []Message) (*Analysis, error)
}

// ProtocolError indicates the provider answered but the content could not be
// interpreted. Not retriable.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("llm protocol error: %s", e.Detail)
}

// TransientError indicates a failure worth retrying: network errors, 408,
// 429, and 5xx responses.
type TransientError struct {
	Class string // e.g. "http_429", "timeout", "network"
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("llm transient error (%s): %v", e.Class, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RequestError indicates a non-retriable provider rejection (4xx other than
// 408/429).
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("llm request rejected (http_%d): %v", e.StatusCode, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ErrorClass returns a short tag for persisting as a skip reason
// (llm_error:<class>).
func ErrorClass(err error) string {
	var p *ProtocolError
	if errors.As(err, &p) {
		return "protocol"
	}
	var t *TransientError
	if errors.As(err, &t) {
		return t.Class
	}
	var r *RequestError
	if errors.As(err, &r) {
		return fmt.Sprintf("http_%d", r.StatusCode)
	}
	return "unknown"
}
