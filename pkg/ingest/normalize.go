package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/lisanmuaddib/insights-go/pkg/analyzer"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

// twcsTimeLayout matches timestamps like "Tue Oct 31 22:10:47 +0000 2017",
// the format customer-support exports carry in created_at_raw.
const twcsTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// normalizeConversation validates one submitted conversation and produces the
// store input. tweet_id and author_id are trimmed, text has whitespace runs
// collapsed; all three must be non-empty afterwards. A missing created_at is
// recovered from created_at_raw when it parses, otherwise defaults to now.
func normalizeConversation(in ConversationIn, now time.Time) (store.ConversationInput, error) {
	if len(in.Messages) == 0 {
		return store.ConversationInput{}, &ValidationError{Detail: "messages must not be empty"}
	}

	out := store.ConversationInput{
		Messages: make([]store.TweetInput, 0, len(in.Messages)),
	}
	for i, m := range in.Messages {
		tweetID := strings.TrimSpace(m.TweetID)
		if tweetID == "" {
			return store.ConversationInput{}, &ValidationError{
				Detail: fmt.Sprintf("messages[%d]: tweet_id is required", i),
			}
		}
		authorID := strings.TrimSpace(m.AuthorID)
		if authorID == "" {
			return store.ConversationInput{}, &ValidationError{
				Detail: fmt.Sprintf("messages[%d]: author_id is required", i),
			}
		}
		text := analyzer.NormalizeText(m.Text)
		if text == "" {
			return store.ConversationInput{}, &ValidationError{
				Detail: fmt.Sprintf("messages[%d]: text is required", i),
			}
		}

		var inReplyTo *string
		if m.InReplyToID != nil {
			if v := strings.TrimSpace(*m.InReplyToID); v != "" {
				inReplyTo = &v
			}
		}

		createdAt, raw := resolveCreatedAt(m, now)

		out.Messages = append(out.Messages, store.TweetInput{
			TweetID:      tweetID,
			AuthorID:     authorID,
			Text:         text,
			InReplyToID:  inReplyTo,
			Inbound:      m.Inbound,
			CreatedAt:    createdAt,
			CreatedAtRaw: raw,
		})
	}
	return out, nil
}

// resolveCreatedAt prefers an explicit created_at, then a parseable
// created_at_raw, then the ingestion time. The raw string is preserved either
// way so nothing is lost to a format we cannot parse.
func resolveCreatedAt(m MessageIn, now time.Time) (time.Time, *string) {
	var raw *string
	if m.CreatedAtRaw != nil {
		if v := strings.TrimSpace(*m.CreatedAtRaw); v != "" {
			raw = &v
		}
	}
	if m.CreatedAt != nil {
		return m.CreatedAt.UTC(), raw
	}
	if raw != nil {
		if parsed, err := time.Parse(twcsTimeLayout, *raw); err == nil {
			return parsed.UTC(), raw
		}
	}
	return now, raw
}
