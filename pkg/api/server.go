// Package api serves the HTTP surface: conversation ingestion, insight and
// trend queries, health, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
	"github.com/lisanmuaddib/insights-go/pkg/ingest"
	"github.com/lisanmuaddib/insights-go/pkg/metrics"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

// QueryStore is the read side of the store the API serves from.
type QueryStore interface {
	ListInsights(ctx context.Context, filter store.InsightFilter, limit, offset int) ([]models.Insight, int64, error)
	Aggregate(ctx context.Context, window time.Duration) (*store.TrendAggregate, error)
}

type Config struct {
	Logger  *logrus.Logger
	Ingest  *ingest.Controller
	Query   QueryStore
	Queue   *queue.ConversationQueue
	Addr    string
	BulkMax int
}

type Server struct {
	logger  *logrus.Logger
	ingest  *ingest.Controller
	query   QueryStore
	queue   *queue.ConversationQueue
	bulkMax int
	httpSrv *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil || cfg.Ingest == nil || cfg.Query == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("api: logger, ingest, query and queue are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.BulkMax < 1 {
		cfg.BulkMax = cfg.Ingest.BulkMax()
	}

	s := &Server{
		logger:  cfg.Logger,
		ingest:  cfg.Ingest,
		query:   cfg.Query,
		queue:   cfg.Queue,
		bulkMax: cfg.BulkMax,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(latencyMetrics())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/conversations", s.handleIngestOne)
		v1.POST("/conversations/bulk", s.handleIngestBulk)
		v1.POST("/conversations/bulk/stream", s.handleIngestStream)
		v1.GET("/insights", s.handleListInsights)
		v1.GET("/trends", s.handleTrends)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpSrv.Addr).Info("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	}
}

func latencyMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RequestDuration.
			WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}
