// Package ratelimit gates LLM calls by requests per minute, with an optional
// secondary tokens-per-minute budget settled after each call reports usage.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces an RPM token bucket (capacity = rpm, refill rpm/60 per
// second). When a TPM budget is configured, token usage is consumed post-hoc
// and Acquire blocks while the budget is overdrawn.
type Limiter struct {
	requests *rate.Limiter

	mu         sync.Mutex
	tpm        int     // 0 = disabled
	tokenDebt  float64 // tokens consumed beyond refill
	lastRefill time.Time
}

// New creates a limiter for rpm requests/minute. tpm of 0 disables the token
// budget.
func New(rpm, tpm int) *Limiter {
	if rpm < 1 {
		rpm = 1
	}
	return &Limiter{
		requests:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		tpm:        tpm,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a request slot is available and any token debt has
// been paid down. Cancel via ctx (used by shutdown).
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		wait := l.tokenDebtDelay()
		if wait == 0 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Reserve instead of Wait: Wait fails fast with its own error type when
	// the needed delay exceeds the deadline, but callers are promised the
	// context error and a wait that lasts until the context actually ends.
	res := l.requests.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// ConsumeTokens records tokens actually used by a completed call. The next
// Acquire waits if the minute budget is now overdrawn.
func (l *Limiter) ConsumeTokens(n int) {
	if l.tpm <= 0 || n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	l.tokenDebt += float64(n)
}

// tokenDebtDelay returns how long to wait before the token budget allows
// another call, or 0 if clear.
func (l *Limiter) tokenDebtDelay() time.Duration {
	if l.tpm <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	over := l.tokenDebt - float64(l.tpm)
	if over <= 0 {
		return 0
	}
	perSecond := float64(l.tpm) / 60.0
	return time.Duration(over / perSecond * float64(time.Second))
}

// refillLocked pays down token debt at tpm/60 per second since the last
// refill. Caller holds mu.
func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	if elapsed <= 0 {
		return
	}
	l.tokenDebt -= elapsed * float64(l.tpm) / 60.0
	if l.tokenDebt < 0 {
		l.tokenDebt = 0
	}
}
