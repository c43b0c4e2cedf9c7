package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

const topK = 20

// InsightFilter narrows ListInsights results. Zero values mean "no filter".
type InsightFilter struct {
	ConversationID string
	Sentiment      string
	Topic          string
	CreatedFrom    *time.Time
	CreatedTo      *time.Time
}

// TopEntry is one value/count pair in a top-K ranking.
type TopEntry struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// DayCount is the insight volume for one UTC day bucket.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// TrendAggregate is the windowed rollup served by GET /trends. Window is the
// label the caller asked for (1d, 7d, 30d), echoed back by the handler.
type TrendAggregate struct {
	Window          string           `json:"window"`
	Volume          int64            `json:"volume"`
	SentimentCounts map[string]int64 `json:"sentiment_counts"`
	TopTopics       []TopEntry       `json:"top_topics"`
	TopGaps         []TopEntry       `json:"top_gaps"`
	VolumeByDay     []DayCount       `json:"volume_by_day"`
}

// ListInsights returns one page of insights plus the unpaged total. The sort
// order is total: created_at descending, conversation id ascending on ties,
// so limit/offset paging visits each row exactly once.
func (s *ThreadStore) ListInsights(ctx context.Context, filter InsightFilter, limit, offset int) ([]models.Insight, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Insight{})

	if filter.ConversationID != "" {
		q = q.Where("conversation_id = ?", filter.ConversationID)
	}
	if filter.Sentiment != "" {
		q = q.Where("sentiment = ?", filter.Sentiment)
	}
	if filter.Topic != "" {
		q = q.Where("? = ANY(topics)", filter.Topic)
	}
	if filter.CreatedFrom != nil {
		q = q.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		q = q.Where("created_at < ?", *filter.CreatedTo)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var items []models.Insight
	err := q.Order("created_at DESC, conversation_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return items, total, nil
}

// Aggregate computes trend rollups over insights created in
// [now-window, now]. Skipped insights carry no analysis and are excluded.
// Top-K rankings break count ties lexicographically.
func (s *ThreadStore) Aggregate(ctx context.Context, window time.Duration) (*TrendAggregate, error) {
	since := time.Now().UTC().Add(-window)
	agg := &TrendAggregate{SentimentCounts: make(map[string]int64)}

	base := s.db.WithContext(ctx).Model(&models.Insight{}).
		Where("created_at >= ?", since).
		Where("skipped_reason IS NULL")

	if err := base.Count(&agg.Volume).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var sentimentRows []struct {
		Sentiment string
		Count     int64
	}
	err := s.db.WithContext(ctx).Model(&models.Insight{}).
		Select("COALESCE(sentiment, 'unknown') AS sentiment, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Where("skipped_reason IS NULL").
		Group("COALESCE(sentiment, 'unknown')").
		Scan(&sentimentRows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, row := range sentimentRows {
		agg.SentimentCounts[row.Sentiment] = row.Count
	}

	if agg.TopTopics, err = s.topValues(ctx, "topics", since); err != nil {
		return nil, err
	}
	if agg.TopGaps, err = s.topValues(ctx, "gaps", since); err != nil {
		return nil, err
	}

	var dayRows []struct {
		Day   time.Time
		Count int64
	}
	err = s.db.WithContext(ctx).Raw(`
		SELECT date_trunc('day', created_at) AS day, COUNT(*) AS count
		FROM insights
		WHERE created_at >= ? AND skipped_reason IS NULL
		GROUP BY 1
		ORDER BY 1`, since).Scan(&dayRows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, row := range dayRows {
		agg.VolumeByDay = append(agg.VolumeByDay, DayCount{Day: row.Day, Count: row.Count})
	}

	return agg, nil
}

// topValues unnests a text[] column and ranks values by count, then value.
// column is one of the fixed names "topics" or "gaps", never user input.
func (s *ThreadStore) topValues(ctx context.Context, column string, since time.Time) ([]TopEntry, error) {
	var entries []TopEntry
	query := fmt.Sprintf(`
		SELECT v.value AS value, COUNT(*) AS count
		FROM insights i, LATERAL unnest(i.%s) AS v(value)
		WHERE i.created_at >= ? AND i.skipped_reason IS NULL
		GROUP BY v.value
		ORDER BY count DESC, value ASC
		LIMIT %d`, column, topK)
	if err := s.db.WithContext(ctx).Raw(query, since).Scan(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}
