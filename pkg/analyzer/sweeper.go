package analyzer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/queue"
)

// Sweeper periodically re-offers conversations that have no insight row:
// ids lost from the volatile queue in a crash, and items deferred while the
// circuit breaker was open. Re-processing is idempotent, so offering an id
// that is already queued is harmless.
type Sweeper struct {
	logger   *logrus.Logger
	store    Store
	queue    *queue.ConversationQueue
	interval time.Duration
}

func NewSweeper(logger *logrus.Logger, store Store, q *queue.ConversationQueue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{logger: logger, store: store, queue: q, interval: interval}
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	// Cap at free capacity so the sweep itself never causes backpressure,
	// and skip conversations touched within the last interval: their
	// enqueue is likely still in flight.
	free := s.queue.Capacity() - s.queue.Depth()
	if free <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.interval)

	ids, err := s.store.ConversationsWithoutInsight(ctx, cutoff, free)
	if err != nil {
		s.logger.WithError(err).Warn("Sweep query failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	offered := 0
	for _, id := range ids {
		if !s.queue.Offer(id) {
			break
		}
		offered++
	}
	s.logger.WithFields(logrus.Fields{
		"candidates": len(ids),
		"offered":    offered,
	}).Info("Re-enqueued conversations without insights")
}
