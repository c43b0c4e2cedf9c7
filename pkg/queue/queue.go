// Package queue provides the bounded in-process work queue feeding the
// analyzer. The Offer/Take/Depth/Close surface is the single seam that a
// durable broker would have to implement for horizontal scale.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Take once the queue is closed and drained.
var ErrClosed = errors.New("queue: closed")

// ConversationQueue is a bounded FIFO of conversation ids. Offer is
// non-blocking; Take blocks until an item arrives, the context is done, or
// the queue is closed and empty. There is no deduplication and no
// durability: consumers must tolerate duplicates, and a crash loses
// unprocessed ids (the sweeper rediscovers them from the store).
type ConversationQueue struct {
	mu     sync.Mutex
	items  chan string
	closed bool

	// Take-rate tracking for drain estimates.
	takes     int64
	rateSince time.Time
	lastRate  float64 // items/sec, EWMA
}

// New creates a queue with the given capacity.
func New(maxDepth int) *ConversationQueue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &ConversationQueue{
		items:     make(chan string, maxDepth),
		rateSince: time.Now(),
	}
}

// Offer enqueues id without blocking. Returns false when the queue is full
// or closed.
func (q *ConversationQueue) Offer(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- id:
		return true
	default:
		return false
	}
}

// Take blocks until an item is available. It returns ErrClosed when the
// queue has been closed and fully drained, or the context error on
// cancellation.
func (q *ConversationQueue) Take(ctx context.Context) (string, error) {
	select {
	case id, ok := <-q.items:
		if !ok {
			return "", ErrClosed
		}
		q.recordTake()
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth returns the current number of queued items.
func (q *ConversationQueue) Depth() int {
	return len(q.items)
}

// Capacity returns the maximum queue depth.
func (q *ConversationQueue) Capacity() int {
	return cap(q.items)
}

// Close unblocks waiters. Items already queued remain takeable until the
// channel drains.
func (q *ConversationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// recordTake folds the observed take into an EWMA of throughput. The window
// resets every few seconds so stale bursts do not dominate.
func (q *ConversationQueue) recordTake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.takes++
	elapsed := time.Since(q.rateSince)
	if elapsed < 5*time.Second {
		return
	}
	instant := float64(q.takes) / elapsed.Seconds()
	if q.lastRate == 0 {
		q.lastRate = instant
	} else {
		q.lastRate = 0.7*q.lastRate + 0.3*instant
	}
	q.takes = 0
	q.rateSince = time.Now()
}

// DrainEstimate returns how long the current backlog would take to drain at
// the observed throughput, clamped to at least one second. Used as the
// Retry-After hint on backpressure.
func (q *ConversationQueue) DrainEstimate() time.Duration {
	depth := q.Depth()
	q.mu.Lock()
	rate := q.lastRate
	q.mu.Unlock()

	if rate <= 0 {
		// No throughput observed yet; assume one item per second.
		rate = 1
	}
	est := time.Duration(float64(depth)/rate) * time.Second
	if est < time.Second {
		est = time.Second
	}
	return est
}
