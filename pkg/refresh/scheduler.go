// Package refresh keeps render targets current by re-fetching their data on a
// fixed cadence. Each target is driven by a Handle that can be paused while the
// user inspects the chart, resumed later, and stopped at teardown.
package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scheduler creates refresh handles sharing a logger, an observer and a base
// context. It holds no registry of its own; whoever composes the charts owns
// the handles it gets back.
type Scheduler struct {
	baseCtx  context.Context
	logger   zerolog.Logger
	observer Observer
}

type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithBaseContext sets the parent of every fetch context. Cancelling it halts
// the timers of all handles; Stop is still needed to release them.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		baseCtx:  context.Background(),
		logger:   log.With().Str("component", "refresh").Logger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type startConfig struct {
	immediate bool
	dropStale bool
}

type StartOption func(*startConfig)

// WithImmediate fires one tick as soon as the handle starts, in addition to
// the periodic ones.
func WithImmediate() StartOption {
	return func(c *startConfig) {
		c.immediate = true
	}
}

// WithDropStale discards a result whose tick was issued before the most
// recently rendered one. Without it, overlapping fetches render in the order
// they resolve.
func WithDropStale() StartOption {
	return func(c *startConfig) {
		c.dropStale = true
	}
}

// Start begins fetching every interval and rendering each successful result
// onto target. The returned handle starts in the Running state.
func (s *Scheduler) Start(target string, interval time.Duration, fetch Fetcher, render Renderer, opts ...StartOption) (*Handle, error) {
	if err := validate(target, interval, fetch, render); err != nil {
		return nil, err
	}
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &Handle{
		target:    target,
		logger:    s.logger.With().Str("target", target).Logger(),
		observer:  s.observer,
		dropStale: cfg.dropStale,
		ctx:       ctx,
		cancel:    cancel,
		state:     Running,
		interval:  interval,
		fetch:     fetch,
		render:    render,
	}

	h.mu.Lock()
	h.startTimerLocked(cfg.immediate)
	h.mu.Unlock()

	h.logger.Debug().Dur("interval", interval).Bool("immediate", cfg.immediate).Msg("refresh started")
	return h, nil
}
