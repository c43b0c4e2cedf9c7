package analyzer_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lisanmuaddib/insights-go/pkg/analyzer"
	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

func tweetsWithTexts(texts ...string) []models.Tweet {
	tweets := make([]models.Tweet, 0, len(texts))
	for i, text := range texts {
		tweets = append(tweets, models.Tweet{
			ID:       string(rune('a' + i)),
			AuthorID: "user",
			Text:     text,
		})
	}
	return tweets
}

var _ = Describe("PreFilter", func() {
	filter := analyzer.PreFilter{MinMessages: 2, MinTotalChars: 40}

	It("passes threads meeting both minimums", func() {
		reason, ok := filter.Check(tweetsWithTexts(
			"my order has not arrived and support is not responding",
			"sorry to hear that, can you share your order number?",
		))
		Expect(ok).To(BeTrue())
		Expect(reason).To(BeEmpty())
	})

	It("rejects threads with too few messages, encoding both counts", func() {
		reason, ok := filter.Check(tweetsWithTexts("a single fairly long message about a billing issue"))
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("message_count_1_lt_2"))
	})

	It("rejects threads that are too short in total, encoding both counts", func() {
		reason, ok := filter.Check(tweetsWithTexts("hi", "hello"))
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("total_chars_7_lt_40"))
	})

	It("checks the message count before the character count", func() {
		reason, ok := filter.Check(tweetsWithTexts("hi"))
		Expect(ok).To(BeFalse())
		Expect(reason).To(HavePrefix("message_count_"))
	})
})
