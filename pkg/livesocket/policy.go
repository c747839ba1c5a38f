package livesocket

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectDelay is the fixed wait between a close and the next attempt.
const DefaultReconnectDelay = 5 * time.Second

// Policy decides how long to wait before the next connection attempt. attempt
// counts consecutive attempts since the last successful open, starting at 1.
// Returning false ends the lineage.
type Policy interface {
	Next(attempt int) (time.Duration, bool)
	Reset()
}

// Fixed waits Delay before every attempt. MaxAttempts bounds consecutive
// attempts without a successful open; zero means no bound.
type Fixed struct {
	Delay       time.Duration
	MaxAttempts int
}

func (f Fixed) Next(attempt int) (time.Duration, bool) {
	if f.MaxAttempts > 0 && attempt > f.MaxAttempts {
		return 0, false
	}
	delay := f.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return delay, true
}

func (Fixed) Reset() {}

// Exponential grows the delay between consecutive failed attempts.
type Exponential struct {
	mu          sync.Mutex
	b           *backoff.ExponentialBackOff
	maxAttempts int
}

type ExponentialConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
}

func NewExponential(cfg ExponentialConfig) *Exponential {
	b := backoff.NewExponentialBackOff()
	if cfg.Initial > 0 {
		b.InitialInterval = cfg.Initial
	}
	if cfg.Max > 0 {
		b.MaxInterval = cfg.Max
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	b.RandomizationFactor = cfg.Jitter
	// the lineage never gives up on elapsed time, only on MaxAttempts
	b.MaxElapsedTime = 0
	b.Reset()
	return &Exponential{b: b, maxAttempts: cfg.MaxAttempts}
}

func (e *Exponential) Next(attempt int) (time.Duration, bool) {
	if e.maxAttempts > 0 && attempt > e.maxAttempts {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Reset()
}
