package config_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lisanmuaddib/insights-go/pkg/config"
)

var _ = Describe("Config", func() {
	envKeys := []string{
		"DATABASE_URL", "HTTP_ADDR", "LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL",
		"LLM_RPM", "LLM_TPM", "LLM_TIMEOUT_SECONDS", "CIRCUIT_FAILURE_THRESHOLD",
		"CIRCUIT_COOLDOWN_SECONDS", "MAX_QUEUE_DEPTH", "BULK_MAX_CONVERSATIONS",
		"STREAM_CHUNK_SIZE", "PRE_FILTER_MIN_MESSAGES", "PRE_FILTER_MIN_TOTAL_CHARS",
		"ANALYZER_WORKERS", "SWEEP_INTERVAL_SECONDS", "SHUTDOWN_GRACE_SECONDS",
	}

	saved := map[string]string{}

	BeforeEach(func() {
		for _, key := range envKeys {
			saved[key] = os.Getenv(key)
			os.Unsetenv(key)
		}
		os.Setenv("DATABASE_URL", "postgres://localhost:5432/insights?sslmode=disable")
	})

	AfterEach(func() {
		for _, key := range envKeys {
			if saved[key] == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, saved[key])
			}
		}
	})

	It("fails without DATABASE_URL", func() {
		os.Unsetenv("DATABASE_URL")
		_, err := config.New()
		Expect(err).To(MatchError(ContainSubstring("DATABASE_URL")))
	})

	It("applies defaults", func() {
		cfg, err := config.New()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.HTTPAddr).To(Equal(":8080"))
		Expect(cfg.LLMBaseURL).To(Equal("https://api.x.ai/v1"))
		Expect(cfg.LLMModel).To(Equal("grok-4-latest"))
		Expect(cfg.LLMRPM).To(Equal(60))
		Expect(cfg.MaxQueueDepth).To(Equal(1000))
		Expect(cfg.BulkMaxConversations).To(Equal(500))
		Expect(cfg.StreamChunkSize).To(Equal(32))
		Expect(cfg.PreFilterMinMessages).To(Equal(2))
		Expect(cfg.PreFilterMinTotalChars).To(Equal(40))
		Expect(cfg.CircuitFailureThreshold).To(Equal(uint32(5)))
		Expect(cfg.CircuitCooldown).To(Equal(60 * time.Second))
		Expect(cfg.SweepInterval).To(Equal(60 * time.Second))
		Expect(cfg.ShutdownGrace).To(Equal(30 * time.Second))
		Expect(cfg.LLMTimeout()).To(Equal(60 * time.Second))
	})

	It("reads overrides from the environment", func() {
		os.Setenv("LLM_RPM", "120")
		os.Setenv("MAX_QUEUE_DEPTH", "50")
		os.Setenv("HTTP_ADDR", ":9090")

		cfg, err := config.New()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LLMRPM).To(Equal(120))
		Expect(cfg.MaxQueueDepth).To(Equal(50))
		Expect(cfg.HTTPAddr).To(Equal(":9090"))
	})

	It("rejects out-of-range values", func() {
		os.Setenv("BULK_MAX_CONVERSATIONS", "1000")
		_, err := config.New()
		Expect(err).To(MatchError(ContainSubstring("BULK_MAX_CONVERSATIONS")))
	})

	It("falls back to the default on unparseable numbers", func() {
		os.Setenv("LLM_RPM", "lots")
		cfg, err := config.New()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LLMRPM).To(Equal(60))
	})
})
