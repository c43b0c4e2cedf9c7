package grok

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ModelRate is the per-million-token price for one model.
type ModelRate struct {
	InputUSD  float64
	OutputUSD float64
}

// defaultRates covers the x.ai models we route to. Unknown models fall back
// to the zero rate, which leaves cost_estimate at 0 rather than guessing.
var defaultRates = map[string]ModelRate{
	"grok-4-latest": {InputUSD: 3.00, OutputUSD: 15.00},
	"grok-4":        {InputUSD: 3.00, OutputUSD: 15.00},
	"grok-3-mini":   {InputUSD: 0.30, OutputUSD: 0.50},
	"grok-2-1212":   {InputUSD: 2.00, OutputUSD: 10.00},
}

// Config holds Grok client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxAttempts uint
	Rates       map[string]ModelRate
	Logger      *logrus.Logger
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.x.ai/v1"
	}
	if c.Model == "" {
		c.Model = "grok-4-latest"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 4
	}
	if c.Rates == nil {
		c.Rates = defaultRates
	}
	return nil
}

// rateFor returns the configured price for the model, or zero.
func (c *Config) rateFor(model string) ModelRate {
	return c.Rates[model]
}
