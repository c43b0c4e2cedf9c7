package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/ingest"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]store.ConversationInput
	nextID  int
	err     error
}

func (s *fakeStore) UpsertBatch(_ context.Context, inputs []store.ConversationInput) ([]store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.batches = append(s.batches, inputs)
	results := make([]store.UpsertResult, 0, len(inputs))
	for range inputs {
		s.nextID++
		results = append(results, store.UpsertResult{
			ConversationID: fmt.Sprintf("conv-%d", s.nextID),
			Created:        true,
		})
	}
	return results, nil
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) allInputs() []store.ConversationInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []store.ConversationInput
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func validConversation(tweetID string) ingest.ConversationIn {
	return ingest.ConversationIn{
		Messages: []ingest.MessageIn{
			{TweetID: tweetID, AuthorID: "customer", Text: "where is my order"},
		},
	}
}

var _ = Describe("Controller", func() {
	var (
		st      *fakeStore
		q       *queue.ConversationQueue
		subject *ingest.Controller
		ctx     context.Context
	)

	newController := func(queueDepth, bulkMax, chunkSize int) *ingest.Controller {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		st = &fakeStore{}
		q = queue.New(queueDepth)
		c, err := ingest.NewController(ingest.Config{
			Logger:    logger,
			Store:     st,
			Queue:     q,
			BulkMax:   bulkMax,
			ChunkSize: chunkSize,
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		subject = newController(10, 5, 32)
		ctx = context.Background()
	})

	Describe("IngestOne", func() {
		It("persists, enqueues, and returns the conversation id", func() {
			resp, err := subject.IngestOne(ctx, validConversation("t1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.ConversationID).To(Equal("conv-1"))
			Expect(resp.Enqueued).To(BeTrue())
			Expect(q.Depth()).To(Equal(1))
		})

		It("rejects an empty message list", func() {
			_, err := subject.IngestOne(ctx, ingest.ConversationIn{})
			var v *ingest.ValidationError
			Expect(err).To(BeAssignableToTypeOf(v))
			Expect(st.batchCount()).To(BeZero())
		})

		It("rejects messages missing required fields", func() {
			for _, in := range []ingest.ConversationIn{
				{Messages: []ingest.MessageIn{{AuthorID: "a", Text: "x"}}},
				{Messages: []ingest.MessageIn{{TweetID: "t", Text: "x"}}},
				{Messages: []ingest.MessageIn{{TweetID: "t", AuthorID: "a", Text: "  \t "}}},
			} {
				_, err := subject.IngestOne(ctx, in)
				var v *ingest.ValidationError
				Expect(err).To(BeAssignableToTypeOf(v))
			}
		})

		It("collapses whitespace in the text before persisting", func() {
			in := validConversation("t1")
			in.Messages[0].Text = "  where   is\tmy\norder  "
			_, err := subject.IngestOne(ctx, in)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.allInputs()[0].Messages[0].Text).To(Equal("where is my order"))
		})

		It("parses created_at_raw when created_at is absent", func() {
			raw := "Tue Oct 31 22:10:47 +0000 2017"
			in := validConversation("t1")
			in.Messages[0].CreatedAtRaw = &raw

			_, err := subject.IngestOne(ctx, in)
			Expect(err).NotTo(HaveOccurred())

			got := st.allInputs()[0].Messages[0]
			Expect(got.CreatedAt.UTC()).To(Equal(time.Date(2017, 10, 31, 22, 10, 47, 0, time.UTC)))
			Expect(got.CreatedAtRaw).To(HaveValue(Equal(raw)))
		})

		It("still persists when the queue is full, reporting a retry hint", func() {
			subject = newController(1, 5, 32)
			_, err := subject.IngestOne(ctx, validConversation("t1"))
			Expect(err).NotTo(HaveOccurred())

			_, err = subject.IngestOne(ctx, validConversation("t2"))
			var full *ingest.QueueFullError
			Expect(err).To(BeAssignableToTypeOf(full))
			Expect(err.(*ingest.QueueFullError).ConversationID).To(Equal("conv-2"))
			Expect(err.(*ingest.QueueFullError).RetryAfter).To(BeNumerically(">=", time.Second))
			Expect(st.batchCount()).To(Equal(2))
		})
	})

	Describe("IngestBulk", func() {
		It("admits every conversation in one transaction", func() {
			in := ingest.BulkIn{Conversations: []ingest.ConversationIn{
				validConversation("t1"), validConversation("t2"), validConversation("t3"),
			}}

			resp, err := subject.IngestBulk(ctx, in)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Accepted).To(Equal(3))
			Expect(resp.Rejected).To(BeZero())
			Expect(resp.Backpressure).To(BeZero())
			Expect(resp.Results).To(HaveLen(3))
			Expect(st.batchCount()).To(Equal(1))
		})

		It("reports backpressure per item without failing the request", func() {
			subject = newController(3, 5, 32)
			in := ingest.BulkIn{Conversations: []ingest.ConversationIn{
				validConversation("t1"), validConversation("t2"), validConversation("t3"),
				validConversation("t4"), validConversation("t5"),
			}}

			resp, err := subject.IngestBulk(ctx, in)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Accepted).To(Equal(5))
			Expect(resp.Backpressure).To(Equal(2))

			enqueued := 0
			for _, r := range resp.Results {
				if r.Enqueued {
					enqueued++
				}
			}
			Expect(enqueued).To(Equal(3))
			Expect(resp.Results[3].Enqueued).To(BeFalse())
			Expect(resp.Results[4].Enqueued).To(BeFalse())
		})

		It("rejects batches over the limit", func() {
			subject = newController(10, 2, 32)
			in := ingest.BulkIn{Conversations: []ingest.ConversationIn{
				validConversation("t1"), validConversation("t2"), validConversation("t3"),
			}}

			_, err := subject.IngestBulk(ctx, in)
			var v *ingest.ValidationError
			Expect(err).To(BeAssignableToTypeOf(v))
			Expect(st.batchCount()).To(BeZero())
		})

		It("rejects the whole batch when any element is malformed", func() {
			in := ingest.BulkIn{Conversations: []ingest.ConversationIn{
				validConversation("t1"),
				{Messages: []ingest.MessageIn{{TweetID: "t2", AuthorID: "a"}}},
			}}

			_, err := subject.IngestBulk(ctx, in)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("conversations[1]"))
			Expect(st.batchCount()).To(BeZero())
		})
	})

	Describe("IngestStream", func() {
		collect := func(input string) []map[string]json.RawMessage {
			var lines []map[string]json.RawMessage
			err := subject.IngestStream(ctx, strings.NewReader(input), func(v interface{}) error {
				raw, err := json.Marshal(v)
				Expect(err).NotTo(HaveOccurred())
				var m map[string]json.RawMessage
				Expect(json.Unmarshal(raw, &m)).To(Succeed())
				lines = append(lines, m)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			return lines
		}

		line := func(tweetID string) string {
			raw, err := json.Marshal(validConversation(tweetID))
			Expect(err).NotTo(HaveOccurred())
			return string(raw)
		}

		It("emits one result per line plus a trailing summary", func() {
			input := line("t1") + "\n" + line("t2") + "\n"
			lines := collect(input)

			Expect(lines).To(HaveLen(3))
			Expect(lines[0]).To(HaveKey("conversation_id"))
			Expect(lines[1]).To(HaveKey("conversation_id"))
			Expect(lines[2]).To(HaveKey("_summary"))

			var summary ingest.StreamSummary
			Expect(json.Unmarshal(lines[2]["_summary"], &summary)).To(Succeed())
			Expect(summary.Accepted).To(Equal(2))
			Expect(summary.Rejected).To(BeZero())
		})

		It("reports malformed lines in place and keeps going", func() {
			input := line("t1") + "\n" + "{not json\n" + line("t2") + "\n"
			lines := collect(input)

			Expect(lines).To(HaveLen(4))
			Expect(lines[0]).To(HaveKey("conversation_id"))
			Expect(lines[1]).To(HaveKey("error"))
			Expect(lines[2]).To(HaveKey("conversation_id"))

			var summary ingest.StreamSummary
			Expect(json.Unmarshal(lines[3]["_summary"], &summary)).To(Succeed())
			Expect(summary.Accepted).To(Equal(2))
			Expect(summary.Rejected).To(Equal(1))
		})

		It("flushes in chunks", func() {
			subject = newController(10, 5, 2)
			input := line("t1") + "\n" + line("t2") + "\n" + line("t3") + "\n"
			lines := collect(input)

			Expect(lines).To(HaveLen(4))
			// Chunk size 2 splits three lines into two transactions.
			Expect(st.batchCount()).To(Equal(2))
		})

		It("handles an empty stream", func() {
			lines := collect("")
			Expect(lines).To(HaveLen(1))
			Expect(lines[0]).To(HaveKey("_summary"))
		})
	})
})
