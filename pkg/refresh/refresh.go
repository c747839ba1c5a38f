package refresh

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInterval = errors.New("refresh: interval must be positive")
	ErrNilFetcher      = errors.New("refresh: fetcher is nil")
	ErrNilRenderer     = errors.New("refresh: renderer is nil")
	ErrEmptyTarget     = errors.New("refresh: target is empty")
	ErrStopped         = errors.New("refresh: handle is stopped")
)

// Fetcher produces the data for one refresh tick. The context is cancelled when
// the owning handle is stopped.
type Fetcher interface {
	Fetch(ctx context.Context) (any, error)
}

// Renderer draws fetched data onto the render target identified by target.
// Renders for one handle never run concurrently.
type Renderer interface {
	Render(target string, data any) error
}

type FetchFunc func(ctx context.Context) (any, error)

func (f FetchFunc) Fetch(ctx context.Context) (any, error) { return f(ctx) }

type RenderFunc func(target string, data any) error

func (f RenderFunc) Render(target string, data any) error { return f(target, data) }

type State int

const (
	Running State = iota
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Observer receives lifecycle events for every handle of a scheduler.
// Implementations must be safe for concurrent use.
type Observer interface {
	TickIssued(target string)
	FetchFailed(target string, err error)
	Rendered(target string, took time.Duration)
	RenderFailed(target string, err error)
	Discarded(target string, reason string)
}

type nopObserver struct{}

func (nopObserver) TickIssued(string)              {}
func (nopObserver) FetchFailed(string, error)      {}
func (nopObserver) Rendered(string, time.Duration) {}
func (nopObserver) RenderFailed(string, error)     {}
func (nopObserver) Discarded(string, string)       {}

const (
	DiscardSuperseded = "superseded"
	DiscardStale      = "stale"
)

func validate(target string, interval time.Duration, fetch Fetcher, render Renderer) error {
	if target == "" {
		return ErrEmptyTarget
	}
	if interval <= 0 {
		return errors.Wrapf(ErrInvalidInterval, "got %s", interval)
	}
	if fetch == nil {
		return ErrNilFetcher
	}
	if render == nil {
		return ErrNilRenderer
	}
	return nil
}
