// Package ingest is the admission controller: it validates and normalizes
// submitted conversations, persists them, and offers the resulting ids to the
// analysis queue. Persistence always happens before enqueue, so a queued id
// is always loadable.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/metrics"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

// maxStreamLineBytes bounds a single NDJSON input line.
const maxStreamLineBytes = 1 << 20

// Store is the slice of the thread store admission needs.
type Store interface {
	UpsertBatch(ctx context.Context, inputs []store.ConversationInput) ([]store.UpsertResult, error)
}

// Controller admits conversations into the pipeline.
type Controller struct {
	logger    *logrus.Logger
	store     Store
	queue     *queue.ConversationQueue
	bulkMax   int
	chunkSize int
}

type Config struct {
	Logger  *logrus.Logger
	Store   Store
	Queue   *queue.ConversationQueue
	BulkMax int
	// ChunkSize is how many stream lines are buffered per transaction.
	ChunkSize int
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Logger == nil || cfg.Store == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("ingest: logger, store and queue are required")
	}
	if cfg.BulkMax < 1 {
		cfg.BulkMax = 500
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 32
	}
	return &Controller{
		logger:    cfg.Logger,
		store:     cfg.Store,
		queue:     cfg.Queue,
		bulkMax:   cfg.BulkMax,
		chunkSize: cfg.ChunkSize,
	}, nil
}

// BulkMax returns the per-request conversation limit for bulk ingest.
func (c *Controller) BulkMax() int {
	return c.bulkMax
}

// IngestOne admits a single conversation. On queue backpressure the
// conversation is persisted but not enqueued and a QueueFullError carrying a
// drain-time hint is returned; the sweeper picks the conversation up later
// regardless of whether the client retries.
func (c *Controller) IngestOne(ctx context.Context, in ConversationIn) (*SingleResponse, error) {
	input, err := normalizeConversation(in, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	results, err := c.store.UpsertBatch(ctx, []store.ConversationInput{input})
	if err != nil {
		return nil, err
	}
	res := results[0]

	if !c.offer(res.ConversationID) {
		return nil, &QueueFullError{
			ConversationID: res.ConversationID,
			RetryAfter:     c.queue.DrainEstimate(),
		}
	}

	c.logger.WithFields(logrus.Fields{
		"conversation_id": res.ConversationID,
		"created":         res.Created,
		"queue_depth":     c.queue.Depth(),
	}).Info("Conversation admitted")
	return &SingleResponse{ConversationID: res.ConversationID, Enqueued: true}, nil
}

// IngestBulk admits up to BulkMax conversations in one transaction. Any
// malformed element rejects the whole batch. Backpressure never fails the
// request: items that do not fit in the queue are persisted, reported with
// enqueued=false, and counted in Backpressure.
func (c *Controller) IngestBulk(ctx context.Context, in BulkIn) (*BulkResponse, error) {
	if len(in.Conversations) == 0 {
		return nil, &ValidationError{Detail: "conversations must not be empty"}
	}
	if len(in.Conversations) > c.bulkMax {
		return nil, &ValidationError{
			Detail: fmt.Sprintf("conversations exceeds limit of %d", c.bulkMax),
		}
	}

	now := time.Now().UTC()
	inputs := make([]store.ConversationInput, 0, len(in.Conversations))
	for i, conv := range in.Conversations {
		input, err := normalizeConversation(conv, now)
		if err != nil {
			return nil, &ValidationError{
				Detail: fmt.Sprintf("conversations[%d]: %v", i, err),
			}
		}
		inputs = append(inputs, input)
	}

	results, err := c.store.UpsertBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	resp := &BulkResponse{Results: make([]ItemResult, 0, len(results))}
	for _, res := range results {
		enqueued := c.offer(res.ConversationID)
		resp.Accepted++
		if !enqueued {
			resp.Backpressure++
		}
		resp.Results = append(resp.Results, ItemResult{
			ConversationID: res.ConversationID,
			Enqueued:       enqueued,
		})
	}

	c.logger.WithFields(logrus.Fields{
		"accepted":     resp.Accepted,
		"backpressure": resp.Backpressure,
		"queue_depth":  c.queue.Depth(),
	}).Info("Bulk ingest complete")
	return resp, nil
}

// streamLine is one buffered NDJSON input line: either a parsed conversation
// or the parse error to report in its place.
type streamLine struct {
	line  int
	input store.ConversationInput
	err   error
}

// IngestStream reads NDJSON conversations from r, admitting them in chunks.
// For every input line exactly one result line is passed to emit, in input
// order; a trailing summary object closes the stream. Malformed lines are
// reported and counted as rejected without aborting the stream.
func (c *Controller) IngestStream(ctx context.Context, r io.Reader, emit func(v interface{}) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	summary := StreamSummary{}
	chunk := make([]streamLine, 0, c.chunkSize)
	lineNo := 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := c.flushChunk(ctx, chunk, &summary, emit); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lineNo++

		var conv ConversationIn
		entry := streamLine{line: lineNo}
		if err := json.Unmarshal(raw, &conv); err != nil {
			entry.err = &ValidationError{Detail: fmt.Sprintf("invalid JSON: %v", err)}
		} else if input, err := normalizeConversation(conv, time.Now().UTC()); err != nil {
			entry.err = err
		} else {
			entry.input = input
		}
		chunk = append(chunk, entry)

		if len(chunk) >= c.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"accepted":     summary.Accepted,
		"rejected":     summary.Rejected,
		"backpressure": summary.Backpressure,
	}).Info("Stream ingest complete")
	return emit(map[string]StreamSummary{"_summary": summary})
}

// flushChunk persists the chunk's valid lines in one transaction, then emits
// one result line per input line in original order.
func (c *Controller) flushChunk(ctx context.Context, chunk []streamLine, summary *StreamSummary, emit func(v interface{}) error) error {
	inputs := make([]store.ConversationInput, 0, len(chunk))
	for _, entry := range chunk {
		if entry.err == nil {
			inputs = append(inputs, entry.input)
		}
	}

	var results []store.UpsertResult
	if len(inputs) > 0 {
		var err error
		results, err = c.store.UpsertBatch(ctx, inputs)
		if err != nil {
			return err
		}
	}

	next := 0
	for _, entry := range chunk {
		if entry.err != nil {
			summary.Rejected++
			if err := emit(StreamError{Error: entry.err.Error(), Line: entry.line}); err != nil {
				return err
			}
			continue
		}
		res := results[next]
		next++

		enqueued := c.offer(res.ConversationID)
		summary.Accepted++
		if !enqueued {
			summary.Backpressure++
		}
		if err := emit(ItemResult{ConversationID: res.ConversationID, Enqueued: enqueued}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) offer(conversationID string) bool {
	ok := c.queue.Offer(conversationID)
	if !ok {
		metrics.BackpressureEventsTotal.Inc()
	}
	metrics.QueueDepth.Set(float64(c.queue.Depth()))
	return ok
}
