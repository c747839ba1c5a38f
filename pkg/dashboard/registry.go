package dashboard

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/livechart/pkg/refresh"
	"github.com/go-go-golems/livechart/pkg/relay"
)

var (
	ErrUnknownChart   = errors.New("dashboard: unknown chart")
	ErrDuplicateChart = errors.New("dashboard: chart already registered")
)

// Widget is one registered panel: its surface plus whatever keeps it fed.
type Widget struct {
	Config  ChartConfig
	Surface *Surface

	mu       sync.Mutex
	handle   *refresh.Handle
	fetcher  refresh.Fetcher
	interval time.Duration
	consumer *relay.Consumer
	cancel   func()
}

func (w *Widget) Handle() *refresh.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// stop releases the feed of w and waits for it to go quiet.
func (w *Widget) stop() {
	w.mu.Lock()
	handle, consumer, cancel := w.handle, w.consumer, w.cancel
	w.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if consumer != nil {
		consumer.Wait()
	}
}

// reset stops w and forgets its feed so it can be started again.
func (w *Widget) reset() {
	w.stop()
	w.mu.Lock()
	w.handle, w.consumer, w.cancel = nil, nil, nil
	w.mu.Unlock()
}

// Registry maps chart ids to widgets in registration order.
type Registry struct {
	mu      sync.RWMutex
	widgets map[string]*Widget
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{widgets: map[string]*Widget{}}
}

func (r *Registry) Add(w *Widget) error {
	if w == nil || w.Config.ID == "" {
		return errors.New("dashboard: widget needs an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.widgets[w.Config.ID]; ok {
		return errors.Wrapf(ErrDuplicateChart, "%q", w.Config.ID)
	}
	r.widgets[w.Config.ID] = w
	r.order = append(r.order, w.Config.ID)
	return nil
}

func (r *Registry) Get(id string) (*Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.widgets[id]
	return w, ok
}

// Remove stops the widget's feed and drops it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	w, ok := r.widgets[id]
	if ok {
		delete(r.widgets, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownChart, "%q", id)
	}
	w.stop()
	return nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Close stops every widget and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	widgets := make([]*Widget, 0, len(r.order))
	for _, id := range r.order {
		widgets = append(widgets, r.widgets[id])
	}
	r.widgets = map[string]*Widget{}
	r.order = nil
	r.mu.Unlock()

	for _, w := range widgets {
		w.stop()
	}
}
