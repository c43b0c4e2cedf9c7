package store

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func ptr(s string) *string { return &s }

var _ = Describe("rootTweetID", func() {
	t0 := time.Date(2017, 10, 31, 22, 0, 0, 0, time.UTC)

	It("picks the earliest tweet without a reply link", func() {
		id := rootTweetID([]TweetInput{
			{TweetID: "3", CreatedAt: t0.Add(2 * time.Minute), InReplyToID: ptr("2")},
			{TweetID: "2", CreatedAt: t0.Add(time.Minute), InReplyToID: ptr("1")},
			{TweetID: "1", CreatedAt: t0},
		})
		Expect(id).To(Equal("1"))
	})

	It("breaks created_at ties by lexicographic tweet id", func() {
		id := rootTweetID([]TweetInput{
			{TweetID: "b", CreatedAt: t0},
			{TweetID: "a", CreatedAt: t0},
		})
		Expect(id).To(Equal("a"))
	})

	It("treats an empty reply id as no reply", func() {
		id := rootTweetID([]TweetInput{
			{TweetID: "2", CreatedAt: t0.Add(time.Minute), InReplyToID: ptr("")},
			{TweetID: "1", CreatedAt: t0, InReplyToID: ptr("0")},
		})
		Expect(id).To(Equal("2"))
	})

	It("falls back to the earliest tweet when every message is a reply", func() {
		id := rootTweetID([]TweetInput{
			{TweetID: "5", CreatedAt: t0.Add(time.Minute), InReplyToID: ptr("4")},
			{TweetID: "4", CreatedAt: t0, InReplyToID: ptr("missing")},
		})
		Expect(id).To(Equal("4"))
	})
})
