// Package analyzer runs the background analysis loop: it drains the work
// queue, filters and deduplicates threads, and calls the LLM under a rate
// limiter and circuit breaker before persisting insights.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
	"github.com/lisanmuaddib/insights-go/pkg/llm"
	"github.com/lisanmuaddib/insights-go/pkg/metrics"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
)

const skipReasonEmptyThread = "empty_thread"

// Store is the slice of the thread store the analyzer needs.
type Store interface {
	LoadThread(ctx context.Context, conversationID string) ([]models.Tweet, error)
	PutInsight(ctx context.Context, insight *models.Insight) error
	GetInsight(ctx context.Context, conversationID string) (*models.Insight, error)
	CacheGet(ctx context.Context, threadHash string) (string, error)
	CachePut(ctx context.Context, threadHash, conversationID string) error
	ConversationsWithoutInsight(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Limiter gates LLM calls.
type Limiter interface {
	Acquire(ctx context.Context) error
	ConsumeTokens(n int)
}

// Config wires the analyzer's collaborators and tunables.
type Config struct {
	Logger    *logrus.Logger
	Store     Store
	Queue     *queue.ConversationQueue
	Limiter   Limiter
	LLM       llm.Analyzer
	PreFilter PreFilter

	Workers                 int
	CircuitFailureThreshold uint32
	CircuitCooldown         time.Duration
}

type Analyzer struct {
	logger    *logrus.Logger
	store     Store
	queue     *queue.ConversationQueue
	limiter   Limiter
	llm       llm.Analyzer
	preFilter PreFilter
	breaker   *gobreaker.CircuitBreaker
	workers   int
}

func New(cfg Config) (*Analyzer, error) {
	if cfg.Logger == nil || cfg.Store == nil || cfg.Queue == nil || cfg.Limiter == nil || cfg.LLM == nil {
		return nil, fmt.Errorf("analyzer: logger, store, queue, limiter and llm are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	threshold := cfg.CircuitFailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	cooldown := cfg.CircuitCooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	a := &Analyzer{
		logger:    cfg.Logger,
		store:     cfg.Store,
		queue:     cfg.Queue,
		limiter:   cfg.Limiter,
		llm:       cfg.LLM,
		preFilter: cfg.PreFilter,
		workers:   cfg.Workers,
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "llm",
		// One trial call in half-open; concurrent callers get
		// ErrTooManyRequests and their items stay pending.
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.SetCircuitState(to.String())
			cfg.Logger.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("LLM circuit breaker state change")
		},
	})
	metrics.SetCircuitState(gobreaker.StateClosed.String())

	return a, nil
}

// Run starts the worker goroutines and blocks until the queue is closed and
// drained or ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < a.workers; i++ {
		worker := i
		go func() {
			defer func() { done <- struct{}{} }()
			a.runWorker(ctx, worker)
		}()
	}
	for i := 0; i < a.workers; i++ {
		<-done
	}
}

func (a *Analyzer) runWorker(ctx context.Context, worker int) {
	log := a.logger.WithField("worker", worker)
	log.Info("Analyzer worker started")
	for {
		id, err := a.queue.Take(ctx)
		if errors.Is(err, queue.ErrClosed) {
			log.Info("Analyzer worker stopping: queue closed")
			return
		}
		if err != nil {
			log.WithError(err).Info("Analyzer worker stopping")
			return
		}
		metrics.QueueDepth.Set(float64(a.queue.Depth()))
		a.ProcessOne(ctx, id)
	}
}

// ProcessOne runs the full pipeline for one conversation id. It is the
// top-level error boundary of the analysis path: every failure is either
// persisted as a skip reason or logged and deferred, never propagated.
func (a *Analyzer) ProcessOne(ctx context.Context, conversationID string) {
	log := a.logger.WithField("conversation_id", conversationID)

	tweets, err := a.store.LoadThread(ctx, conversationID)
	if err != nil {
		log.WithError(err).Error("Failed to load thread, leaving pending")
		return
	}

	// Double-enqueue races and recovery rescans can hand us an id whose
	// tweets are not there; record the skip so the id is not re-swept.
	if len(tweets) == 0 {
		a.writeSkip(ctx, log, conversationID, skipReasonEmptyThread)
		return
	}

	if reason, ok := a.preFilter.Check(tweets); !ok {
		a.writeSkip(ctx, log, conversationID, reason)
		return
	}

	hash := ThreadHash(tweets)
	log = log.WithField("thread_hash", hash)

	if done := a.tryServeFromCache(ctx, log, conversationID, hash); done {
		return
	}

	if err := a.limiter.Acquire(ctx); err != nil {
		log.WithError(err).Debug("Rate limiter acquire cancelled")
		return
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.llm.Analyze(ctx, toMessages(tweets))
	})
	if err != nil {
		a.handleLLMError(ctx, log, conversationID, err)
		return
	}
	analysis := result.(*llm.Analysis)

	a.limiter.ConsumeTokens(analysis.TotalTokens)
	metrics.RecordLLMSuccess(analysis.TotalTokens, analysis.CostEstimate)

	sentiment := analysis.Sentiment
	insight := &models.Insight{
		ConversationID:   conversationID,
		LLMOutput:        analysis.Output,
		Sentiment:        &sentiment,
		Topics:           analysis.Topics,
		Gaps:             analysis.Gaps,
		PromptTokens:     analysis.PromptTokens,
		CompletionTokens: analysis.CompletionTokens,
		TotalTokens:      analysis.TotalTokens,
		CostEstimate:     analysis.CostEstimate,
	}
	if err := a.store.PutInsight(ctx, insight); err != nil {
		log.WithError(err).Error("Failed to persist insight")
		return
	}
	if err := a.store.CachePut(ctx, hash, conversationID); err != nil {
		log.WithError(err).Warn("Failed to write cache entry")
	}
	log.WithField("sentiment", analysis.Sentiment).Info("Insight persisted")
}

// tryServeFromCache checks both the content cache and an already-existing
// insight for this conversation. Returns true when no LLM call is needed.
func (a *Analyzer) tryServeFromCache(ctx context.Context, log *logrus.Entry, conversationID, hash string) bool {
	cachedID, err := a.store.CacheGet(ctx, hash)
	if err != nil {
		log.WithError(err).Error("Cache lookup failed, leaving pending")
		return true
	}

	if cachedID != "" {
		if cachedID == conversationID {
			return true
		}
		prior, err := a.store.GetInsight(ctx, cachedID)
		if err != nil {
			log.WithError(err).Error("Failed to load cached insight, leaving pending")
			return true
		}
		if prior != nil && !prior.Skipped() {
			copied := *prior
			copied.ConversationID = conversationID
			copied.CreatedAt = time.Time{}
			// The spend happened on the original analysis.
			copied.PromptTokens = 0
			copied.CompletionTokens = 0
			copied.TotalTokens = 0
			copied.CostEstimate = 0
			if err := a.store.PutInsight(ctx, &copied); err != nil {
				log.WithError(err).Error("Failed to persist cache-copied insight")
			} else {
				log.WithField("cached_conversation_id", cachedID).Info("Insight served from cache")
			}
			return true
		}
	}

	// Reruns over already-analyzed conversations only need the cache row.
	existing, err := a.store.GetInsight(ctx, conversationID)
	if err != nil {
		log.WithError(err).Error("Failed to check existing insight, leaving pending")
		return true
	}
	if existing != nil && !existing.Skipped() {
		if err := a.store.CachePut(ctx, hash, conversationID); err != nil {
			log.WithError(err).Warn("Failed to backfill cache entry")
		}
		return true
	}
	return false
}

func (a *Analyzer) handleLLMError(ctx context.Context, log *logrus.Entry, conversationID string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Breaker open: leave the conversation without an insight; the
		// sweeper re-offers it after the cooldown.
		log.Debug("Circuit open, deferring analysis")
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Debug("LLM call cancelled during shutdown")
		return
	}

	metrics.RecordLLMError()
	reason := "llm_error:" + llm.ErrorClass(err)
	log.WithError(err).WithField("skip_reason", reason).Warn("LLM analysis failed")
	a.writeSkip(ctx, log, conversationID, reason)
}

func (a *Analyzer) writeSkip(ctx context.Context, log *logrus.Entry, conversationID, reason string) {
	insight := &models.Insight{
		ConversationID: conversationID,
		SkippedReason:  &reason,
	}
	if err := a.store.PutInsight(ctx, insight); err != nil {
		log.WithError(err).Error("Failed to persist skip reason")
		return
	}
	log.WithField("skip_reason", reason).Debug("Conversation skipped")
}

func toMessages(tweets []models.Tweet) []llm.Message {
	msgs := make([]llm.Message, 0, len(tweets))
	for _, t := range tweets {
		msgs = append(msgs, llm.Message{AuthorID: t.AuthorID, Text: t.Text})
	}
	return msgs
}
