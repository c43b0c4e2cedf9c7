// Package grok implements the LLM analyzer against the x.ai chat-completions
// API (OpenAI-compatible wire format).
package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/llm"
)

const systemPrompt = `You analyze customer support conversation threads from Twitter/X.
Given a full thread (messages in order), output a JSON object with:
- "sentiment": one of "positive", "negative", "neutral", or "mixed"
- "topics": list of short topic strings (e.g. ["billing", "delay", "refund"])
- "gaps": list of service or communication gaps (e.g. "slow response", "no ETA")
- "summary": one short sentence summarizing the conversation

Output only valid JSON, no markdown or extra text.`

const baseRetryDelay = 500 * time.Millisecond

// Client calls the Grok chat-completions endpoint and parses the structured
// insight out of the response.
type Client struct {
	logger *logrus.Logger
	api    *openai.Client
	config *Config

	// retryAfter holds the most recent Retry-After hint in seconds,
	// captured off the wire by the transport below.
	retryAfter atomic.Int64
}

// retryAfterTransport records Retry-After headers from throttled or failing
// responses so the retry delay can honor them. go-openai does not surface
// response headers on its error types.
type retryAfterTransport struct {
	base   http.RoundTripper
	client *Client
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if secs := parseRetryAfter(resp.Header.Get("Retry-After")); secs > 0 {
			t.client.retryAfter.Store(int64(secs))
		}
	}
	return resp, err
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}

// NewClient builds a Grok client from config.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		logger: config.Logger,
		config: config,
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	apiConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	apiConfig.HTTPClient = &http.Client{
		Timeout:   config.Timeout,
		Transport: &retryAfterTransport{base: http.DefaultTransport, client: c},
	}
	c.api = openai.NewClientWithConfig(apiConfig)

	return c, nil
}

// Analyze sends the thread to Grok and returns the parsed insight. Transient
// failures (network, 408, 429, 5xx) are retried with exponential backoff and
// jitter; the last error is returned after exhaustion.
func (c *Client) Analyze(ctx context.Context, thread []llm.Message) (*llm.Analysis, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Conversation thread:\n\n" + RenderThread(thread)},
		},
	}

	analysis, err := retry.DoWithData(
		func() (*llm.Analysis, error) {
			return c.callOnce(ctx, req)
		},
		retry.Context(ctx),
		retry.Attempts(c.config.MaxAttempts),
		retry.RetryIf(isTransient),
		retry.DelayType(c.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

func (c *Client) callOnce(ctx context.Context, req openai.ChatCompletionRequest) (*llm.Analysis, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProtocolError{Detail: "no choices in response"}
	}

	content := resp.Choices[0].Message.Content
	output, err := parseInsightJSON(content)
	if err != nil {
		return nil, err
	}

	rate := c.config.rateFor(c.config.Model)
	usage := resp.Usage
	analysis := &llm.Analysis{
		Output:           output.raw,
		Sentiment:        NormalizeSentiment(output.Sentiment),
		Topics:           output.Topics,
		Gaps:             output.Gaps,
		Summary:          output.Summary,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostEstimate: float64(usage.PromptTokens)*rate.InputUSD/1e6 +
			float64(usage.CompletionTokens)*rate.OutputUSD/1e6,
	}

	c.logger.WithFields(logrus.Fields{
		"model":         c.config.Model,
		"total_tokens":  usage.TotalTokens,
		"cost_estimate": analysis.CostEstimate,
		"sentiment":     analysis.Sentiment,
	}).Debug("Grok analysis completed")

	return analysis, nil
}

// retryDelay implements exponential backoff (base 500ms, factor 2) with
// ±20% jitter, preferring a server-provided Retry-After when one was seen.
func (c *Client) retryDelay(n uint, _ error, _ *retry.Config) time.Duration {
	if secs := c.retryAfter.Swap(0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	d := baseRetryDelay * (1 << n)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func isTransient(err error) bool {
	var t *llm.TransientError
	return errors.As(err, &t)
}

// classifyError maps go-openai errors onto the pipeline's error kinds.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.TransientError{Class: "timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &llm.TransientError{Class: "network", Err: err}
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return &llm.TransientError{Class: fmt.Sprintf("http_%d", status), Err: err}
	case status >= 500:
		return &llm.TransientError{Class: fmt.Sprintf("http_%d", status), Err: err}
	case status >= 400:
		return &llm.RequestError{StatusCode: status, Err: err}
	default:
		return &llm.TransientError{Class: "network", Err: err}
	}
}

// RenderThread renders the thread the way the prompt expects it: numbered
// lines with the author id.
func RenderThread(thread []llm.Message) string {
	var b strings.Builder
	for i, m := range thread {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, m.AuthorID, m.Text)
	}
	return b.String()
}

// insightPayload is the JSON object the prompt asks the model for.
type insightPayload struct {
	Sentiment string   `json:"sentiment"`
	Topics    []string `json:"topics"`
	Gaps      []string `json:"gaps"`
	Summary   string   `json:"summary"`

	raw json.RawMessage
}

// parseInsightJSON parses the assistant content leniently: code fences are
// stripped, and if the content is wrapped in prose the first balanced {...}
// region is extracted.
func parseInsightJSON(content string) (*insightPayload, error) {
	raw := strings.TrimSpace(content)
	if raw == "" {
		return nil, &llm.ProtocolError{Detail: "empty response content"}
	}

	if strings.HasPrefix(raw, "```") {
		raw = stripCodeFence(raw)
	}

	var payload insightPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		extracted, ok := extractJSONObject(raw)
		if !ok {
			return nil, &llm.ProtocolError{Detail: "no JSON object in response"}
		}
		if err := json.Unmarshal([]byte(extracted), &payload); err != nil {
			return nil, &llm.ProtocolError{Detail: fmt.Sprintf("invalid JSON: %v", err)}
		}
		raw = extracted
	}
	payload.raw = json.RawMessage(raw)
	return &payload, nil
}

func stripCodeFence(raw string) string {
	lines := strings.Split(raw, "\n")
	start := 0
	if strings.HasPrefix(lines[0], "```") {
		start = 1
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// extractJSONObject returns the first balanced top-level {...} region,
// skipping braces inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// NormalizeSentiment maps free-form model output onto the permitted labels.
// Anything unrecognized becomes "unknown".
func NormalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	case "neutral":
		return "neutral"
	case "mixed":
		return "mixed"
	default:
		return "unknown"
	}
}
