package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lisanmuaddib/insights-go/pkg/analyzer"
	"github.com/lisanmuaddib/insights-go/pkg/api"
	"github.com/lisanmuaddib/insights-go/pkg/config"
	"github.com/lisanmuaddib/insights-go/pkg/db"
	"github.com/lisanmuaddib/insights-go/pkg/ingest"
	"github.com/lisanmuaddib/insights-go/pkg/llm/grok"
	"github.com/lisanmuaddib/insights-go/pkg/logging"
	"github.com/lisanmuaddib/insights-go/pkg/queue"
	"github.com/lisanmuaddib/insights-go/pkg/ratelimit"
	"github.com/lisanmuaddib/insights-go/pkg/store"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Only log warning since .env is optional
		logrus.WithError(err).Warn("Error loading .env file")
	}

	// Initialize logger
	log := logrus.New()
	log.SetFormatter(logging.NewColoredJSONFormatter())

	// Get log level from environment
	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithFields(logrus.Fields{
			"attempted_level": logLevel,
			"default_level":   "INFO",
		}).Warn("Invalid log level specified, defaulting to INFO")
	}

	cfg, err := config.New()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	gormDB, err := db.SetupDatabase(log, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up database")
	}

	threadStore := store.NewThreadStore(log, gormDB)
	workQueue := queue.New(cfg.MaxQueueDepth)
	limiter := ratelimit.New(cfg.LLMRPM, cfg.LLMTPM)

	llmClient, err := grok.NewClient(&grok.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout(),
		Logger:  log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create LLM client")
	}

	worker, err := analyzer.New(analyzer.Config{
		Logger:  log,
		Store:   threadStore,
		Queue:   workQueue,
		Limiter: limiter,
		LLM:     llmClient,
		PreFilter: analyzer.PreFilter{
			MinMessages:   cfg.PreFilterMinMessages,
			MinTotalChars: cfg.PreFilterMinTotalChars,
		},
		Workers:                 cfg.AnalyzerWorkers,
		CircuitFailureThreshold: cfg.CircuitFailureThreshold,
		CircuitCooldown:         cfg.CircuitCooldown,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create analyzer")
	}

	admission, err := ingest.NewController(ingest.Config{
		Logger:    log,
		Store:     threadStore,
		Queue:     workQueue,
		BulkMax:   cfg.BulkMaxConversations,
		ChunkSize: cfg.StreamChunkSize,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create ingest controller")
	}

	server, err := api.NewServer(api.Config{
		Logger:  log,
		Ingest:  admission,
		Query:   threadStore,
		Queue:   workQueue,
		Addr:    cfg.HTTPAddr,
		BulkMax: cfg.BulkMaxConversations,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create HTTP server")
	}

	// Analyzer and sweeper share a context cancelled only after the grace
	// period, so in-flight LLM calls can finish during shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	sweeper := analyzer.NewSweeper(log, threadStore, workQueue, cfg.SweepInterval)
	go sweeper.Run(workCtx)

	analyzerDone := make(chan struct{})
	go func() {
		defer close(analyzerDone)
		worker.Run(workCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	// Shutdown order: stop admission, close the queue, then give the
	// analyzer the grace period to drain what is already queued.
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelGrace()

	if err := server.Shutdown(graceCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown did not complete cleanly")
	}
	workQueue.Close()

	select {
	case <-analyzerDone:
		log.Info("Analyzer drained queue")
	case <-graceCtx.Done():
		log.Warn("Shutdown grace period elapsed, abandoning queued work")
		cancelWork()
		<-analyzerDone
	}

	log.Info("Shutdown complete")
}
