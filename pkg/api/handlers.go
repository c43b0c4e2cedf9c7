package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
	"github.com/lisanmuaddib/insights-go/pkg/ingest"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": s.queue.Depth(),
		"process_id":  os.Getpid(),
	})
}

func (s *Server) handleIngestOne(c *gin.Context) {
	var in ingest.ConversationIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON body: %v", err)})
		return
	}

	resp, err := s.ingest.IngestOne(c.Request.Context(), in)
	if err != nil {
		s.renderIngestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleIngestBulk(c *gin.Context) {
	var in ingest.BulkIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON body: %v", err)})
		return
	}
	if len(in.Conversations) > s.bulkMax {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("at most %d conversations per request", s.bulkMax),
		})
		return
	}

	resp, err := s.ingest.IngestBulk(c.Request.Context(), in)
	if err != nil {
		s.renderIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleIngestStream consumes NDJSON conversations and writes NDJSON results
// as chunks complete, flushing after every line so clients see progress.
func (s *Server) handleIngestStream(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	flusher, _ := c.Writer.(http.Flusher)
	emit := func(v interface{}) error {
		if err := enc.Encode(v); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := s.ingest.IngestStream(c.Request.Context(), c.Request.Body, emit); err != nil {
		// Headers are gone; the best we can do is log and cut the stream.
		s.logger.WithError(err).Error("Stream ingest aborted")
		c.Abort()
	}
}

func (s *Server) renderIngestError(c *gin.Context, err error) {
	var validation *ingest.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: validation.Detail})
		return
	}

	var full *ingest.QueueFullError
	if errors.As(err, &full) {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(full.RetryAfter)))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":           "analysis queue is full",
			"conversation_id": full.ConversationID,
			"enqueued":        false,
		})
		return
	}

	if errors.Is(err, store.ErrStoreUnavailable) {
		s.logger.WithError(err).Error("Store unavailable during ingest")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}

	s.logger.WithError(err).Error("Ingest failed")
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type insightsResponse struct {
	Items  []models.Insight `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Server) handleListInsights(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("limit must be 1..%d", maxPageLimit)})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "offset must be >= 0"})
		return
	}

	filter := store.InsightFilter{
		ConversationID: c.Query("conversation_id"),
		Sentiment:      c.Query("sentiment"),
		Topic:          c.Query("topic"),
	}
	if filter.Sentiment != "" && !models.ValidSentiment(models.Sentiment(filter.Sentiment)) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown sentiment label"})
		return
	}
	if filter.CreatedFrom, err = timeQuery(c, "created_from"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "created_from must be RFC 3339"})
		return
	}
	if filter.CreatedTo, err = timeQuery(c, "created_to"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "created_to must be RFC 3339"})
		return
	}

	items, total, err := s.query.ListInsights(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.logger.WithError(err).Error("Insight query failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	if items == nil {
		items = []models.Insight{}
	}
	c.JSON(http.StatusOK, insightsResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleTrends(c *gin.Context) {
	label := c.DefaultQuery("window", "7d")
	window, ok := parseWindow(label)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "window must be one of 1d, 7d, 30d"})
		return
	}

	agg, err := s.query.Aggregate(c.Request.Context(), window)
	if err != nil {
		s.logger.WithError(err).Error("Trend aggregation failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	agg.Window = label
	c.JSON(http.StatusOK, agg)
}

func parseWindow(raw string) (time.Duration, bool) {
	switch raw {
	case "1d":
		return 24 * time.Hour, true
	case "7d":
		return 7 * 24 * time.Hour, true
	case "30d":
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
