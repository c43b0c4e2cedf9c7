// Package store persists conversations, tweets, insights, and analysis
// cache entries. It is the only component that touches the database; both
// admission and the analyzer go through it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

// ErrStoreUnavailable wraps database-layer failures so admission can answer
// 503 without inspecting driver errors.
var ErrStoreUnavailable = errors.New("store unavailable")

// TweetInput is one normalized message submitted for ingestion.
type TweetInput struct {
	TweetID      string
	AuthorID     string
	Text         string
	InReplyToID  *string
	Inbound      *bool
	CreatedAt    time.Time
	CreatedAtRaw *string
}

// ConversationInput is one conversation's worth of normalized messages.
type ConversationInput struct {
	Messages []TweetInput
}

// UpsertResult reports where one input conversation landed.
type UpsertResult struct {
	ConversationID string
	Created        bool
}

type ThreadStore struct {
	logger *logrus.Logger
	db     *gorm.DB
}

func NewThreadStore(logger *logrus.Logger, db *gorm.DB) *ThreadStore {
	return &ThreadStore{logger: logger, db: db}
}

// UpsertBatch persists a batch of conversations in a single transaction.
// Conversation identity resolution, in order: a submitted tweet replies to a
// tweet we already have; a submitted tweet id matches an existing
// conversation's root; otherwise a new conversation is allocated.
//
// The caller must not enqueue any returned id before this call returns:
// commit happens-before enqueue, or the analyzer could observe an empty
// thread.
func (s *ThreadStore) UpsertBatch(ctx context.Context, inputs []ConversationInput) ([]UpsertResult, error) {
	results := make([]UpsertResult, 0, len(inputs))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, input := range inputs {
			res, err := upsertOne(tx, input, now)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

func upsertOne(tx *gorm.DB, input ConversationInput, now time.Time) (UpsertResult, error) {
	conversationID, created, err := resolveConversation(tx, input, now)
	if err != nil {
		return UpsertResult{}, err
	}

	tweets := make([]models.Tweet, 0, len(input.Messages))
	for _, m := range input.Messages {
		tweets = append(tweets, models.Tweet{
			ID:             m.TweetID,
			ConversationID: conversationID,
			AuthorID:       m.AuthorID,
			Text:           m.Text,
			InReplyToID:    m.InReplyToID,
			Inbound:        m.Inbound,
			CreatedAt:      m.CreatedAt,
			CreatedAtRaw:   m.CreatedAtRaw,
		})
	}
	// Conflict on tweet_id is a no-op: re-ingesting the same tweet is legal.
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&tweets).Error; err != nil {
		return UpsertResult{}, err
	}

	if err := tx.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", now).Error; err != nil {
		return UpsertResult{}, err
	}

	return UpsertResult{ConversationID: conversationID, Created: created}, nil
}

// resolveConversation finds or creates the conversation the input belongs to.
func resolveConversation(tx *gorm.DB, input ConversationInput, now time.Time) (string, bool, error) {
	replyIDs := make([]string, 0, len(input.Messages))
	tweetIDs := make([]string, 0, len(input.Messages))
	for _, m := range input.Messages {
		tweetIDs = append(tweetIDs, m.TweetID)
		if m.InReplyToID != nil && *m.InReplyToID != "" {
			replyIDs = append(replyIDs, *m.InReplyToID)
		}
	}

	// A submitted reply resolving to an existing tweet extends that thread.
	if len(replyIDs) > 0 {
		var parent models.Tweet
		err := tx.Where("id IN ?", replyIDs).
			Order("created_at ASC, id ASC").
			First(&parent).Error
		if err == nil {
			return parent.ConversationID, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, err
		}
	}

	// A submitted tweet matching an existing root re-opens that conversation.
	var existing models.Conversation
	err := tx.Where("root_tweet_id IN ?", tweetIDs).First(&existing).Error
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}

	conv := models.Conversation{
		ID:          uuid.NewString(),
		RootTweetID: rootTweetID(input.Messages),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Create(&conv).Error; err != nil {
		return "", false, err
	}
	return conv.ID, true, nil
}

// rootTweetID picks the earliest submitted tweet lacking in_reply_to_id,
// ties broken by lexicographic tweet id. Falls back to the earliest tweet
// overall when every message is a reply (partial or cyclic threads).
func rootTweetID(messages []TweetInput) string {
	sorted := make([]TweetInput, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].TweetID < sorted[j].TweetID
	})
	for _, m := range sorted {
		if m.InReplyToID == nil || *m.InReplyToID == "" {
			return m.TweetID
		}
	}
	return sorted[0].TweetID
}

// LoadThread returns all tweets of a conversation in canonical order:
// created_at ascending, tweet id as tiebreak.
func (s *ThreadStore) LoadThread(ctx context.Context, conversationID string) ([]models.Tweet, error) {
	var tweets []models.Tweet
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&tweets).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tweets, nil
}

// PutInsight upserts the insight row for its conversation. Once a
// conversation has an insight the row is only ever overwritten, never
// deleted.
func (s *ThreadStore) PutInsight(ctx context.Context, insight *models.Insight) error {
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		UpdateAll: true,
	}).Create(insight).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetInsight returns the insight for a conversation, or nil when absent.
func (s *ThreadStore) GetInsight(ctx context.Context, conversationID string) (*models.Insight, error) {
	var insight models.Insight
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&insight).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &insight, nil
}

// CacheGet returns the conversation id recorded for a thread hash, or ""
// on a miss.
func (s *ThreadStore) CacheGet(ctx context.Context, threadHash string) (string, error) {
	var entry models.AnalysisCache
	err := s.db.WithContext(ctx).
		Where("thread_hash = ?", threadHash).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return entry.ConversationID, nil
}

// CachePut records thread_hash -> conversation_id. Duplicate hashes are
// ignored: the first writer wins and entries are never mutated.
func (s *ThreadStore) CachePut(ctx context.Context, threadHash, conversationID string) error {
	entry := models.AnalysisCache{
		ThreadHash:     threadHash,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_hash"}},
		DoNothing: true,
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ConversationsWithoutInsight returns ids of conversations that have no
// insight row and were last touched before cutoff. Used by the
// crash-recovery sweeper.
func (s *ThreadStore) ConversationsWithoutInsight(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.id").
		Joins("LEFT JOIN insights ON insights.conversation_id = conversations.id").
		Where("insights.conversation_id IS NULL").
		Where("conversations.updated_at < ?", cutoff).
		Order("conversations.updated_at ASC").
		Limit(limit).
		Pluck("conversations.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}
