package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handle owns the single refresh timer of one render target.
//
// Every (re)start of the timer opens a new epoch. Fetch results carry the epoch
// of the tick that issued them and are dropped when it is no longer current, so
// nothing renders after Pause or Stop returns, even for fetches that were
// already in flight.
type Handle struct {
	target    string
	logger    zerolog.Logger
	observer  Observer
	dropStale bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	interval time.Duration
	fetch    Fetcher
	render   Renderer
	epoch    uint64
	issued   uint64
	rendered uint64
	stopTick chan struct{}
	tickDone chan struct{}

	// renderMu serializes renders and lets Pause/Stop wait for one in progress.
	renderMu sync.Mutex
}

func (h *Handle) Target() string {
	return h.target
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Pause cancels the timer. Calling it on a paused or stopped handle is a no-op.
// It must not be called from inside the handle's own Render.
func (h *Handle) Pause() {
	h.mu.Lock()
	if h.state != Running {
		h.mu.Unlock()
		return
	}
	h.state = Paused
	done := h.stopTimerLocked()
	h.mu.Unlock()

	h.waitQuiet(done)
	h.logger.Debug().Msg("refresh paused")
}

// Resume re-establishes the timer with the given parameters. The first tick
// fires one interval after Resume. Resuming a running handle restarts it.
func (h *Handle) Resume(interval time.Duration, fetch Fetcher, render Renderer) error {
	if err := validate(h.target, interval, fetch, render); err != nil {
		return err
	}

	h.mu.Lock()
	if h.state == Stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	var done <-chan struct{}
	if h.state == Running {
		done = h.stopTimerLocked()
	}
	h.interval = interval
	h.fetch = fetch
	h.render = render
	h.state = Running
	h.startTimerLocked(false)
	h.mu.Unlock()

	if done != nil {
		<-done
	}
	h.logger.Debug().Dur("interval", interval).Msg("refresh resumed")
	return nil
}

// Stop releases the timer for good and cancels in-flight fetches. It is
// idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.state == Stopped {
		h.mu.Unlock()
		return
	}
	h.state = Stopped
	done := h.stopTimerLocked()
	h.mu.Unlock()

	h.cancel()
	h.waitQuiet(done)
	h.logger.Debug().Msg("refresh stopped")
}

func (h *Handle) startTimerLocked(immediate bool) {
	h.epoch++
	epoch := h.epoch
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stopTick = stop
	h.tickDone = done

	ticker := time.NewTicker(h.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		if immediate {
			h.tick(epoch)
		}
		for {
			select {
			case <-stop:
				return
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.tick(epoch)
			}
		}
	}()
}

func (h *Handle) stopTimerLocked() <-chan struct{} {
	h.epoch++
	if h.stopTick == nil {
		return nil
	}
	close(h.stopTick)
	done := h.tickDone
	h.stopTick = nil
	h.tickDone = nil
	return done
}

// waitQuiet waits for the timer goroutine to exit and for a render that
// already passed its epoch check to finish.
func (h *Handle) waitQuiet(done <-chan struct{}) {
	if done != nil {
		<-done
	}
	h.renderMu.Lock()
	h.renderMu.Unlock() //nolint:staticcheck
}

func (h *Handle) tick(epoch uint64) {
	h.mu.Lock()
	if h.epoch != epoch || h.state != Running {
		h.mu.Unlock()
		return
	}
	h.issued++
	seq := h.issued
	fetch, render := h.fetch, h.render
	h.mu.Unlock()

	h.observer.TickIssued(h.target)
	go h.run(epoch, seq, fetch, render)
}

func (h *Handle) run(epoch, seq uint64, fetch Fetcher, render Renderer) {
	data, err := fetch.Fetch(h.ctx)
	if err != nil {
		h.observer.FetchFailed(h.target, err)
		h.logger.Debug().Err(err).Uint64("seq", seq).Msg("fetch failed, skipping tick")
		return
	}
	h.deliver(epoch, seq, render, data)
}

func (h *Handle) deliver(epoch, seq uint64, render Renderer, data any) {
	h.renderMu.Lock()
	defer h.renderMu.Unlock()

	h.mu.Lock()
	if h.epoch != epoch || h.state != Running {
		h.mu.Unlock()
		h.observer.Discarded(h.target, DiscardSuperseded)
		return
	}
	if h.dropStale && seq < h.rendered {
		latest := h.rendered
		h.mu.Unlock()
		h.observer.Discarded(h.target, DiscardStale)
		h.logger.Debug().Uint64("seq", seq).Uint64("rendered", latest).Msg("dropping stale result")
		return
	}
	if seq > h.rendered {
		h.rendered = seq
	}
	h.mu.Unlock()

	start := time.Now()
	if err := render.Render(h.target, data); err != nil {
		h.observer.RenderFailed(h.target, err)
		h.logger.Warn().Err(err).Uint64("seq", seq).Msg("render failed")
		return
	}
	h.observer.Rendered(h.target, time.Since(start))
}
