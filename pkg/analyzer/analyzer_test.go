package analyzer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/analyzer"
	"github.com/lisanmuaddib/insights-go/pkg/db/models"
	"github.com/lisanmuaddib/insights-go/pkg/llm"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	threads  map[string][]models.Tweet
	insights map[string]*models.Insight
	cache    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  make(map[string][]models.Tweet),
		insights: make(map[string]*models.Insight),
		cache:    make(map[string]string),
	}
}

func (s *fakeStore) LoadThread(_ context.Context, id string) ([]models.Tweet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[id], nil
}

func (s *fakeStore) PutInsight(_ context.Context, insight *models.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *insight
	s.insights[insight.ConversationID] = &copied
	return nil
}

func (s *fakeStore) GetInsight(_ context.Context, id string) (*models.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ins, ok := s.insights[id]; ok {
		copied := *ins
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) CacheGet(_ context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[hash], nil
}

func (s *fakeStore) CachePut(_ context.Context, hash, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[hash]; !exists {
		s.cache[hash] = id
	}
	return nil
}

func (s *fakeStore) ConversationsWithoutInsight(_ context.Context, _ time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.threads {
		if _, done := s.insights[id]; !done {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *fakeStore) insight(id string) *models.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insights[id]
}

type fakeLimiter struct {
	mu       sync.Mutex
	acquires int
	consumed int
}

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return nil
}

func (l *fakeLimiter) ConsumeTokens(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed += n
}

type fakeLLM struct {
	mu     sync.Mutex
	calls  int
	result *llm.Analysis
	err    error
}

func (f *fakeLLM) Analyze(_ context.Context, _ []llm.Message) (*llm.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func goodAnalysis() *llm.Analysis {
	return &llm.Analysis{
		Output:           json.RawMessage(`{"sentiment":"negative","topics":["delivery"],"gaps":["no ETA"],"summary":"late order"}`),
		Sentiment:        "negative",
		Topics:           []string{"delivery"},
		Gaps:             []string{"no ETA"},
		Summary:          "late order",
		PromptTokens:     120,
		CompletionTokens: 40,
		TotalTokens:      160,
		CostEstimate:     0.00096,
	}
}

func longThread(convID string) []models.Tweet {
	return []models.Tweet{
		{ID: convID + "-1", ConversationID: convID, AuthorID: "customer", Text: "my order is three weeks late and nobody answers"},
		{ID: convID + "-2", ConversationID: convID, AuthorID: "support", Text: "apologies, we are looking into the delay right now"},
	}
}

// distinctThread varies the content per conversation so threads do not
// collide in the content cache.
func distinctThread(convID, detail string) []models.Tweet {
	return []models.Tweet{
		{ID: convID + "-1", ConversationID: convID, AuthorID: "customer", Text: "my order is three weeks late and nobody answers about " + detail},
		{ID: convID + "-2", ConversationID: convID, AuthorID: "support", Text: "apologies, we are looking into the delay right now"},
	}
}

var _ = Describe("Analyzer", func() {
	var (
		store   *fakeStore
		limiter *fakeLimiter
		mockLLM *fakeLLM
		q       *queue.ConversationQueue
		subject *analyzer.Analyzer
		ctx     context.Context
	)

	newSubject := func(threshold uint32, cooldown time.Duration) *analyzer.Analyzer {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		a, err := analyzer.New(analyzer.Config{
			Logger:                  logger,
			Store:                   store,
			Queue:                   q,
			Limiter:                 limiter,
			LLM:                     mockLLM,
			PreFilter:               analyzer.PreFilter{MinMessages: 2, MinTotalChars: 40},
			CircuitFailureThreshold: threshold,
			CircuitCooldown:         cooldown,
		})
		Expect(err).NotTo(HaveOccurred())
		return a
	}

	BeforeEach(func() {
		store = newFakeStore()
		limiter = &fakeLimiter{}
		mockLLM = &fakeLLM{result: goodAnalysis()}
		q = queue.New(10)
		subject = newSubject(5, time.Minute)
		ctx = context.Background()
	})

	Describe("ProcessOne", func() {
		It("persists the analysis and a cache entry on success", func() {
			store.threads["c1"] = longThread("c1")

			subject.ProcessOne(ctx, "c1")

			ins := store.insight("c1")
			Expect(ins).NotTo(BeNil())
			Expect(ins.Skipped()).To(BeFalse())
			Expect(*ins.Sentiment).To(Equal("negative"))
			Expect(ins.TotalTokens).To(Equal(160))
			Expect(limiter.consumed).To(Equal(160))

			hash := analyzer.ThreadHash(store.threads["c1"])
			Expect(store.cache[hash]).To(Equal("c1"))
		})

		It("records a skip for an id with no tweets", func() {
			subject.ProcessOne(ctx, "missing")

			ins := store.insight("missing")
			Expect(ins).NotTo(BeNil())
			Expect(*ins.SkippedReason).To(Equal("empty_thread"))
			Expect(mockLLM.callCount()).To(BeZero())
		})

		It("records the pre-filter reason without calling the LLM", func() {
			store.threads["short"] = []models.Tweet{
				{ID: "s1", ConversationID: "short", AuthorID: "a", Text: "hi"},
			}

			subject.ProcessOne(ctx, "short")

			ins := store.insight("short")
			Expect(ins).NotTo(BeNil())
			Expect(*ins.SkippedReason).To(Equal("message_count_1_lt_2"))
			Expect(mockLLM.callCount()).To(BeZero())
			Expect(limiter.acquires).To(BeZero())
		})

		It("serves an identical thread from cache with zero spend", func() {
			store.threads["c1"] = longThread("c1")
			subject.ProcessOne(ctx, "c1")
			Expect(mockLLM.callCount()).To(Equal(1))

			// Same content under a different conversation id.
			store.threads["c2"] = []models.Tweet{
				{ID: "x-1", ConversationID: "c2", AuthorID: "CUSTOMER", Text: "my  order is three weeks late and nobody answers"},
				{ID: "x-2", ConversationID: "c2", AuthorID: "support", Text: "apologies, we are looking into the delay right now"},
			}
			subject.ProcessOne(ctx, "c2")

			Expect(mockLLM.callCount()).To(Equal(1))
			ins := store.insight("c2")
			Expect(ins).NotTo(BeNil())
			Expect(ins.Skipped()).To(BeFalse())
			Expect(*ins.Sentiment).To(Equal("negative"))
			Expect(ins.TotalTokens).To(BeZero())
			Expect(ins.CostEstimate).To(BeZero())
		})

		It("does not re-call the LLM when the conversation already has an insight", func() {
			store.threads["c1"] = longThread("c1")
			subject.ProcessOne(ctx, "c1")
			Expect(mockLLM.callCount()).To(Equal(1))

			subject.ProcessOne(ctx, "c1")
			Expect(mockLLM.callCount()).To(Equal(1))
		})

		It("records a classified skip when the LLM fails terminally", func() {
			store.threads["c1"] = longThread("c1")
			mockLLM.err = &llm.RequestError{StatusCode: 400, Err: fmt.Errorf("bad request")}

			subject.ProcessOne(ctx, "c1")

			ins := store.insight("c1")
			Expect(ins).NotTo(BeNil())
			Expect(*ins.SkippedReason).To(Equal("llm_error:http_400"))
		})

		It("leaves items pending once the breaker opens", func() {
			mockLLM.err = &llm.TransientError{Class: "http_500", Err: fmt.Errorf("upstream down")}
			subject = newSubject(2, time.Minute)

			for i := 0; i < 2; i++ {
				id := fmt.Sprintf("c%d", i)
				store.threads[id] = longThread(id)
				subject.ProcessOne(ctx, id)
			}
			Expect(mockLLM.callCount()).To(Equal(2))

			// Breaker is open now: no call, no skip row.
			store.threads["deferred"] = longThread("deferred")
			subject.ProcessOne(ctx, "deferred")

			Expect(mockLLM.callCount()).To(Equal(2))
			Expect(store.insight("deferred")).To(BeNil())
		})

		It("admits a single trial after the cooldown and closes on success", func() {
			mockLLM.err = &llm.TransientError{Class: "http_503", Err: fmt.Errorf("upstream down")}
			subject = newSubject(2, 150*time.Millisecond)

			store.threads["f1"] = distinctThread("f1", "a lost refund")
			store.threads["f2"] = distinctThread("f2", "a double charge")
			subject.ProcessOne(ctx, "f1")
			subject.ProcessOne(ctx, "f2")
			Expect(mockLLM.callCount()).To(Equal(2))

			// Open: the next item is deferred untouched.
			store.threads["deferred"] = distinctThread("deferred", "a missing parcel")
			subject.ProcessOne(ctx, "deferred")
			Expect(mockLLM.callCount()).To(Equal(2))
			Expect(store.insight("deferred")).To(BeNil())

			// Past the cooldown the breaker is half-open; the recovered
			// backend serves the one trial call.
			time.Sleep(200 * time.Millisecond)
			mockLLM.setErr(nil)

			subject.ProcessOne(ctx, "deferred")
			Expect(mockLLM.callCount()).To(Equal(3))
			ins := store.insight("deferred")
			Expect(ins).NotTo(BeNil())
			Expect(ins.Skipped()).To(BeFalse())

			// Closed again: later items flow through normally.
			store.threads["after"] = distinctThread("after", "a broken screen")
			subject.ProcessOne(ctx, "after")
			Expect(mockLLM.callCount()).To(Equal(4))
			Expect(store.insight("after")).NotTo(BeNil())
		})

		It("returns without writing when the context is cancelled at the limiter", func() {
			store.threads["c1"] = longThread("c1")
			cancelled, cancel := context.WithCancel(context.Background())
			cancel()

			subject.ProcessOne(cancelled, "c1")

			Expect(store.insight("c1")).To(BeNil())
			Expect(mockLLM.callCount()).To(BeZero())
		})
	})

	Describe("Run", func() {
		It("drains the queue and stops when it closes", func() {
			store.threads["c1"] = longThread("c1")
			store.threads["c2"] = longThread("c2")
			Expect(q.Offer("c1")).To(BeTrue())
			Expect(q.Offer("c2")).To(BeTrue())
			q.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				subject.Run(ctx)
			}()

			Eventually(done, 2*time.Second).Should(BeClosed())
			Expect(store.insight("c1")).NotTo(BeNil())
			Expect(store.insight("c2")).NotTo(BeNil())
		})
	})
})

var _ = Describe("Sweeper", func() {
	var (
		store   *fakeStore
		q       *queue.ConversationQueue
		sweeper *analyzer.Sweeper
	)

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		store = newFakeStore()
		q = queue.New(3)
		sweeper = analyzer.NewSweeper(logger, store, q, time.Hour)
	})

	It("re-offers conversations that have no insight", func() {
		store.threads["pending"] = longThread("pending")

		sweeper.SweepOnce(context.Background())

		Expect(q.Depth()).To(Equal(1))
		id, err := q.Take(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("pending"))
	})

	It("never offers more than the queue's free capacity", func() {
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("c%d", i)
			store.threads[id] = longThread(id)
		}
		Expect(q.Offer("occupied")).To(BeTrue())

		sweeper.SweepOnce(context.Background())

		Expect(q.Depth()).To(Equal(3))
	})

	It("does nothing when the queue is full", func() {
		store.threads["pending"] = longThread("pending")
		for i := 0; i < 3; i++ {
			Expect(q.Offer("x")).To(BeTrue())
		}

		sweeper.SweepOnce(context.Background())

		Expect(q.Depth()).To(Equal(3))
	})
})
