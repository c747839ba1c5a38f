package dashboard

import (
	"sync"
	"time"

	"github.com/go-go-golems/livechart/pkg/chart"
)

// Surface is the render target of one panel. Renders from a scheduler or a
// relay consumer land here; the UI reads it on its own clock.
type Surface struct {
	id    string
	title string
	kind  chart.Kind

	mu        sync.Mutex
	frame     chart.Frame
	hasFrame  bool
	updates   uint64
	updatedAt time.Time
	lastErr   error

	held      bool
	parked    chart.Frame
	hasParked bool
}

func NewSurface(id, title string, kind chart.Kind) *Surface {
	return &Surface{id: id, title: title, kind: kind}
}

func (s *Surface) ID() string {
	return s.id
}

// Render decodes data and shows it. While held, a valid frame is parked
// instead and replaces any frame parked before it.
func (s *Surface) Render(_ string, data any) error {
	frame, err := chart.FromData(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return err
	}
	if s.held {
		s.parked = frame
		s.hasParked = true
		return nil
	}
	s.applyLocked(frame)
	return nil
}

// Update is the relay sink for live panels.
func (s *Surface) Update(data []byte) error {
	return s.Render(s.id, data)
}

func (s *Surface) applyLocked(frame chart.Frame) {
	s.frame = frame
	s.hasFrame = true
	s.updates++
	s.updatedAt = time.Now()
	s.lastErr = nil
}

func (s *Surface) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
}

// Release ends a hold and applies the newest parked frame, if any.
func (s *Surface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return
	}
	s.held = false
	if s.hasParked {
		s.applyLocked(s.parked)
		s.parked = chart.Frame{}
		s.hasParked = false
	}
}

type SurfaceState struct {
	Frame     chart.Frame
	HasFrame  bool
	Updates   uint64
	UpdatedAt time.Time
	Err       error
	Held      bool
}

func (s *Surface) State() SurfaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SurfaceState{
		Frame:     s.frame,
		HasFrame:  s.hasFrame,
		Updates:   s.updates,
		UpdatedAt: s.updatedAt,
		Err:       s.lastErr,
		Held:      s.held,
	}
}

// View draws the current frame at width.
func (s *Surface) View(width int) string {
	st := s.State()
	if !st.HasFrame {
		return "(waiting for data)"
	}
	return chart.Render(s.kind, st.Frame, width)
}
