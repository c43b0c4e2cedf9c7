package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable for the service. It is built once at startup
// from environment variables and never mutated afterwards.
type Config struct {
	// Database
	DatabaseURL string

	// HTTP
	HTTPAddr string

	// LLM provider (OpenAI-compatible chat completions, e.g. x.ai)
	LLMAPIKey         string
	LLMBaseURL        string
	LLMModel          string
	LLMRPM            int
	LLMTPM            int // 0 = no token/minute throttle
	LLMTimeoutSeconds float64

	// Circuit breaker around the LLM
	CircuitFailureThreshold uint32
	CircuitCooldown         time.Duration

	// Work queue and admission
	MaxQueueDepth        int
	BulkMaxConversations int
	StreamChunkSize      int

	// Pre-filter
	PreFilterMinMessages   int
	PreFilterMinTotalChars int

	// Analyzer
	AnalyzerWorkers int
	SweepInterval   time.Duration

	// Shutdown
	ShutdownGrace time.Duration
}

// New reads configuration from the environment and applies defaults.
func New() (*Config, error) {
	cfg := &Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		HTTPAddr:                envString("HTTP_ADDR", ":8080"),
		LLMAPIKey:               os.Getenv("LLM_API_KEY"),
		LLMBaseURL:              envString("LLM_BASE_URL", "https://api.x.ai/v1"),
		LLMModel:                envString("LLM_MODEL", "grok-4-latest"),
		LLMRPM:                  envInt("LLM_RPM", 60),
		LLMTPM:                  envInt("LLM_TPM", 0),
		LLMTimeoutSeconds:       envFloat("LLM_TIMEOUT_SECONDS", 60),
		CircuitFailureThreshold: uint32(envInt("CIRCUIT_FAILURE_THRESHOLD", 5)),
		CircuitCooldown:         time.Duration(envInt("CIRCUIT_COOLDOWN_SECONDS", 60)) * time.Second,
		MaxQueueDepth:           envInt("MAX_QUEUE_DEPTH", 1000),
		BulkMaxConversations:    envInt("BULK_MAX_CONVERSATIONS", 500),
		StreamChunkSize:         envInt("STREAM_CHUNK_SIZE", 32),
		PreFilterMinMessages:    envInt("PRE_FILTER_MIN_MESSAGES", 2),
		PreFilterMinTotalChars:  envInt("PRE_FILTER_MIN_TOTAL_CHARS", 40),
		AnalyzerWorkers:         envInt("ANALYZER_WORKERS", 1),
		SweepInterval:           time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		ShutdownGrace:           time.Duration(envInt("SHUTDOWN_GRACE_SECONDS", 30)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and clamps nonsensical values back to
// their defaults.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LLMRPM < 1 {
		return fmt.Errorf("LLM_RPM must be at least 1, got %d", c.LLMRPM)
	}
	if c.LLMTPM < 0 {
		return fmt.Errorf("LLM_TPM must not be negative, got %d", c.LLMTPM)
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("MAX_QUEUE_DEPTH must be at least 1, got %d", c.MaxQueueDepth)
	}
	if c.BulkMaxConversations < 1 || c.BulkMaxConversations > 500 {
		return fmt.Errorf("BULK_MAX_CONVERSATIONS must be in 1..500, got %d", c.BulkMaxConversations)
	}
	if c.StreamChunkSize < 1 {
		c.StreamChunkSize = 32
	}
	if c.PreFilterMinMessages < 1 {
		c.PreFilterMinMessages = 1
	}
	if c.PreFilterMinTotalChars < 0 {
		c.PreFilterMinTotalChars = 0
	}
	if c.CircuitFailureThreshold < 1 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 60 * time.Second
	}
	if c.AnalyzerWorkers < 1 {
		c.AnalyzerWorkers = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return nil
}

// LLMTimeout returns the request timeout for LLM calls as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds * float64(time.Second))
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
