package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Sentiment is the normalized sentiment label extracted from LLM output.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
	SentimentUnknown  Sentiment = "unknown"
)

// ValidSentiment reports whether s is one of the permitted labels.
func ValidSentiment(s Sentiment) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative, SentimentMixed, SentimentUnknown:
		return true
	}
	return false
}

// Conversation is one thread: a root tweet and all replies sharing its id.
type Conversation struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RootTweetID string    `gorm:"column:root_tweet_id;type:varchar(64);uniqueIndex;not null" json:"root_tweet_id"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Tweet is a single message in a conversation. InReplyToID links to the
// parent tweet, or is null for the root.
type Tweet struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(64)" json:"tweet_id"`
	ConversationID string    `gorm:"column:conversation_id;type:varchar(36);index;not null" json:"conversation_id"`
	AuthorID       string    `gorm:"column:author_id;type:varchar(64);not null" json:"author_id"`
	Text           string    `gorm:"column:text;not null" json:"text"`
	InReplyToID    *string   `gorm:"column:in_reply_to_id;type:varchar(64);index" json:"in_reply_to_id,omitempty"`
	Inbound        *bool     `gorm:"column:inbound" json:"inbound,omitempty"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
	CreatedAtRaw   *string   `gorm:"column:created_at_raw;type:varchar(64)" json:"created_at_raw,omitempty"`
}

func (Tweet) TableName() string {
	return "tweets"
}

// Insight is the derived analysis for one conversation, one row per
// conversation_id. Exactly one of LLMOutput and SkippedReason is set.
type Insight struct {
	ConversationID   string          `gorm:"primaryKey;column:conversation_id;type:varchar(36)" json:"conversation_id"`
	LLMOutput        json.RawMessage `gorm:"column:llm_output;type:jsonb" json:"llm_output,omitempty"`
	Sentiment        *string         `gorm:"column:sentiment;type:varchar(32);index" json:"sentiment,omitempty"`
	Topics           pq.StringArray  `gorm:"column:topics;type:text[]" json:"topics,omitempty"`
	Gaps             pq.StringArray  `gorm:"column:gaps;type:text[]" json:"gaps,omitempty"`
	PromptTokens     int             `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	CompletionTokens int             `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens"`
	TotalTokens      int             `gorm:"column:total_tokens;not null;default:0" json:"total_tokens"`
	CostEstimate     float64         `gorm:"column:cost_estimate;not null;default:0" json:"cost_estimate"`
	SkippedReason    *string         `gorm:"column:skipped_reason;type:varchar(256)" json:"skipped_reason,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (Insight) TableName() string {
	return "insights"
}

// Skipped reports whether this insight records a skip instead of LLM output.
func (i *Insight) Skipped() bool {
	return i.SkippedReason != nil
}

// AnalysisCache maps a content hash of a normalized thread to the
// conversation whose insight embodies that content.
type AnalysisCache struct {
	ThreadHash     string    `gorm:"primaryKey;column:thread_hash;type:varchar(64)" json:"thread_hash"`
	ConversationID string    `gorm:"column:conversation_id;type:varchar(36);index;not null" json:"conversation_id"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (AnalysisCache) TableName() string {
	return "analysis_cache"
}
