package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingRenderer struct {
	mu     sync.Mutex
	values []any
	times  []time.Time
	hook   func(data any)
}

func (r *recordingRenderer) Render(_ string, data any) error {
	r.mu.Lock()
	r.values = append(r.values, data)
	r.times = append(r.times, time.Now())
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (r *recordingRenderer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recordingRenderer) Values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func (r *recordingRenderer) FirstAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.times) == 0 {
		return time.Time{}
	}
	return r.times[0]
}

type countingObserver struct {
	ticks        atomic.Int64
	fetchFailed  atomic.Int64
	rendered     atomic.Int64
	renderFailed atomic.Int64
	stale        atomic.Int64
	superseded   atomic.Int64
}

func (o *countingObserver) TickIssued(string)              { o.ticks.Add(1) }
func (o *countingObserver) FetchFailed(string, error)      { o.fetchFailed.Add(1) }
func (o *countingObserver) Rendered(string, time.Duration) { o.rendered.Add(1) }
func (o *countingObserver) RenderFailed(string, error)     { o.renderFailed.Add(1) }
func (o *countingObserver) Discarded(_ string, reason string) {
	switch reason {
	case DiscardStale:
		o.stale.Add(1)
	case DiscardSuperseded:
		o.superseded.Add(1)
	}
}

func counterFetch() FetchFunc {
	var n atomic.Int64
	return func(context.Context) (any, error) {
		return n.Add(1), nil
	}
}

func TestStartValidatesArguments(t *testing.T) {
	s := NewScheduler()
	r := &recordingRenderer{}
	f := counterFetch()

	tests := []struct {
		name     string
		target   string
		interval time.Duration
		fetch    Fetcher
		render   Renderer
		want     error
	}{
		{name: "empty target", target: "", interval: time.Second, fetch: f, render: r, want: ErrEmptyTarget},
		{name: "zero interval", target: "cpu", interval: 0, fetch: f, render: r, want: ErrInvalidInterval},
		{name: "negative interval", target: "cpu", interval: -time.Second, fetch: f, render: r, want: ErrInvalidInterval},
		{name: "nil fetcher", target: "cpu", interval: time.Second, fetch: nil, render: r, want: ErrNilFetcher},
		{name: "nil renderer", target: "cpu", interval: time.Second, fetch: f, render: nil, want: ErrNilRenderer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := s.Start(tt.target, tt.interval, tt.fetch, tt.render)
			require.Nil(t, h)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestStartRendersEveryInterval(t *testing.T) {
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", 10*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	require.Equal(t, Running, h.State())
	require.Eventually(t, func() bool { return r.Count() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStartThenPauseRendersNothing(t *testing.T) {
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", 5*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	h.Pause()
	require.Equal(t, Paused, h.State())
	require.Never(t, func() bool { return r.Count() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestPauseDiscardsInFlightFetch(t *testing.T) {
	obs := &countingObserver{}
	r := &recordingRenderer{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetch := FetchFunc(func(context.Context) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return "late", nil
	})

	h, err := NewScheduler(WithObserver(obs)).Start("cpu", 10*time.Millisecond, fetch, r)
	require.NoError(t, err)
	defer h.Stop()

	<-started
	h.Pause()
	close(release)

	require.Never(t, func() bool { return r.Count() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Eventually(t, func() bool { return obs.superseded.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPauseIsIdempotent(t *testing.T) {
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", 5*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	h.Pause()
	h.Pause()
	require.Equal(t, Paused, h.State())
	require.Never(t, func() bool { return r.Count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, h.Resume(5*time.Millisecond, counterFetch(), r))
	require.Eventually(t, func() bool { return r.Count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestResumeRestartsCadenceFromResume(t *testing.T) {
	const interval = 80 * time.Millisecond
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", interval, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	h.Pause()
	time.Sleep(2 * interval)

	resumedAt := time.Now()
	require.NoError(t, h.Resume(interval, counterFetch(), r))
	require.Eventually(t, func() bool { return r.Count() > 0 }, 2*time.Second, 5*time.Millisecond)

	elapsed := r.FirstAt().Sub(resumedAt)
	require.GreaterOrEqual(t, elapsed, interval-10*time.Millisecond)
	require.Less(t, elapsed, 2*interval)
}

func TestUniformLatencyRendersInIssueOrder(t *testing.T) {
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", 15*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Count() >= 4 }, time.Second, 5*time.Millisecond)
	h.Stop()

	values := r.Values()
	for i := 1; i < len(values); i++ {
		require.Greater(t, values[i].(int64), values[i-1].(int64))
	}
}

// invertedFetch makes the first fetch resolve only after the second one has
// rendered. Later fetches block until the handle is stopped.
func invertedFetch(secondRendered <-chan struct{}) FetchFunc {
	var n atomic.Int64
	return func(ctx context.Context) (any, error) {
		switch n.Add(1) {
		case 1:
			select {
			case <-secondRendered:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]any{"key": "a", "val": 1}, nil
		case 2:
			return map[string]any{"key": "a", "val": 2}, nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
}

func TestLatencyInversionRendersInResolutionOrder(t *testing.T) {
	secondRendered := make(chan struct{})
	var once sync.Once
	r := &recordingRenderer{}
	r.hook = func(data any) {
		if data.(map[string]any)["val"] == 2 {
			once.Do(func() { close(secondRendered) })
		}
	}

	h, err := NewScheduler().Start("cpu", 30*time.Millisecond, invertedFetch(secondRendered), r)
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return r.Count() >= 2 }, time.Second, 5*time.Millisecond)
	values := r.Values()
	require.Equal(t, 2, values[0].(map[string]any)["val"])
	require.Equal(t, 1, values[1].(map[string]any)["val"])
}

func TestDropStaleDiscardsInvertedResult(t *testing.T) {
	secondRendered := make(chan struct{})
	var once sync.Once
	obs := &countingObserver{}
	r := &recordingRenderer{}
	r.hook = func(data any) {
		if data.(map[string]any)["val"] == 2 {
			once.Do(func() { close(secondRendered) })
		}
	}

	h, err := NewScheduler(WithObserver(obs)).Start("cpu", 30*time.Millisecond, invertedFetch(secondRendered), r, WithDropStale())
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return obs.stale.Load() == 1 }, time.Second, 5*time.Millisecond)
	values := r.Values()
	require.Len(t, values, 1)
	require.Equal(t, 2, values[0].(map[string]any)["val"])
}

func TestFetchFailureSkipsOnlyThatTick(t *testing.T) {
	obs := &countingObserver{}
	r := &recordingRenderer{}
	var n atomic.Int64
	fetch := FetchFunc(func(context.Context) (any, error) {
		if n.Add(1)%2 == 1 {
			return nil, errors.New("backend unavailable")
		}
		return "ok", nil
	})

	h, err := NewScheduler(WithObserver(obs)).Start("cpu", 10*time.Millisecond, fetch, r)
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool {
		return r.Count() >= 2 && obs.fetchFailed.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Running, h.State())
}

func TestRenderFailureKeepsRunning(t *testing.T) {
	obs := &countingObserver{}
	render := RenderFunc(func(string, any) error { return errors.New("cannot draw") })

	h, err := NewScheduler(WithObserver(obs)).Start("cpu", 10*time.Millisecond, counterFetch(), render)
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return obs.renderFailed.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Zero(t, obs.rendered.Load())
}

func TestStopIsTerminalAndCancelsFetch(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	var startOnce, cancelOnce sync.Once
	fetch := FetchFunc(func(ctx context.Context) (any, error) {
		startOnce.Do(func() { close(started) })
		<-ctx.Done()
		cancelOnce.Do(func() { close(cancelled) })
		return nil, ctx.Err()
	})
	r := &recordingRenderer{}

	h, err := NewScheduler().Start("cpu", time.Hour, fetch, r, WithImmediate())
	require.NoError(t, err)

	<-started
	h.Stop()
	h.Stop()
	require.Equal(t, Stopped, h.State())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight fetch was not cancelled")
	}

	err = h.Resume(10*time.Millisecond, counterFetch(), r)
	require.True(t, errors.Is(err, ErrStopped))
	h.Pause()
	require.Equal(t, Stopped, h.State())
}

func TestResumeOnRunningHandleKeepsSingleTimer(t *testing.T) {
	obs := &countingObserver{}
	r := &recordingRenderer{}
	h, err := NewScheduler(WithObserver(obs)).Start("cpu", 20*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Resume(20*time.Millisecond, counterFetch(), r))
	}
	before := obs.ticks.Load()
	time.Sleep(200 * time.Millisecond)
	ticks := obs.ticks.Load() - before

	require.LessOrEqual(t, ticks, int64(14))
	require.GreaterOrEqual(t, ticks, int64(5))
}

func TestWithImmediateFiresRightAway(t *testing.T) {
	r := &recordingRenderer{}
	h, err := NewScheduler().Start("cpu", time.Hour, counterFetch(), r, WithImmediate())
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return r.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, time.Hour, h.Interval())
	require.Equal(t, "cpu", h.Target())
}

func TestBaseContextCancellationHaltsTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &recordingRenderer{}
	h, err := NewScheduler(WithBaseContext(ctx)).Start("cpu", 10*time.Millisecond, counterFetch(), r)
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return r.Count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	count := r.Count()
	require.Never(t, func() bool { return r.Count() > count }, 80*time.Millisecond, 5*time.Millisecond)
}
