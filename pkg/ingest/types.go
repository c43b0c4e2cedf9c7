package ingest

import (
	"fmt"
	"time"
)

// MessageIn is one message of a submitted conversation.
type MessageIn struct {
	TweetID      string     `json:"tweet_id"`
	AuthorID     string     `json:"author_id"`
	Text         string     `json:"text"`
	InReplyToID  *string    `json:"in_reply_to_id,omitempty"`
	Inbound      *bool      `json:"inbound,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	CreatedAtRaw *string    `json:"created_at_raw,omitempty"`
}

// ConversationIn is the wire form of one conversation: its messages.
type ConversationIn struct {
	Messages []MessageIn `json:"messages"`
}

// BulkIn is the wire form of a bulk ingest request.
type BulkIn struct {
	Conversations []ConversationIn `json:"conversations"`
}

// ItemResult reports the admission outcome for one conversation. Skip
// decisions happen later in the analyzer and surface on the insight row, not
// here.
type ItemResult struct {
	ConversationID string `json:"conversation_id"`
	Enqueued       bool   `json:"enqueued"`
}

// SingleResponse is the body for a single-conversation ingest.
type SingleResponse struct {
	ConversationID string `json:"conversation_id"`
	Enqueued       bool   `json:"enqueued"`
}

// BulkResponse is the body for a bulk ingest. Backpressure counts items
// that were persisted but not enqueued; the request as a whole still
// succeeds.
type BulkResponse struct {
	Accepted     int          `json:"accepted"`
	Rejected     int          `json:"rejected"`
	Backpressure int          `json:"backpressure"`
	Results      []ItemResult `json:"results"`
}

// StreamSummary is the final NDJSON line of a streaming ingest.
type StreamSummary struct {
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
	Backpressure int `json:"backpressure"`
}

// StreamError is the NDJSON result line for a malformed input line.
type StreamError struct {
	Error string `json:"error"`
	Line  int    `json:"line"`
}

// ValidationError rejects malformed input; surfaced as HTTP 400 and never
// retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Detail)
}

// QueueFullError signals admission backpressure on the single-conversation
// path. The conversation is already persisted; only the enqueue failed.
type QueueFullError struct {
	ConversationID string
	RetryAfter     time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full, retry after %s", e.RetryAfter)
}
