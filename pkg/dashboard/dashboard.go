// Package dashboard composes polled and live charts into one board: it owns
// the scheduler handles, the socket lineages, and the relay between them.
package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/refresh"
	"github.com/go-go-golems/livechart/pkg/relay"
	"github.com/go-go-golems/livechart/pkg/source"
)

var (
	ErrStarted    = errors.New("dashboard: already started")
	ErrNotStarted = errors.New("dashboard: not started")
)

type options struct {
	logger          *zerolog.Logger
	refreshObserver refresh.Observer
	socketObserver  livesocket.Observer
	httpClient      *http.Client
	dialer          livesocket.Dialer
	bus             *relay.Bus
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func WithRefreshObserver(obs refresh.Observer) Option {
	return func(o *options) { o.refreshObserver = obs }
}

func WithSocketObserver(obs livesocket.Observer) Option {
	return func(o *options) { o.socketObserver = obs }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithDialer(d livesocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBus supplies the relay. The dashboard closes it on Close.
func WithBus(b *relay.Bus) Option {
	return func(o *options) { o.bus = b }
}

// Panel is the UI-facing state of one chart.
type Panel struct {
	ID        string
	Title     string
	Kind      chart.Kind
	Live      bool
	State     string
	Frame     chart.Frame
	HasFrame  bool
	Updates   uint64
	UpdatedAt time.Time
	Err       string
	Stream    string
	Socket    string
}

type Dashboard struct {
	cfg       Config
	opts      options
	logger    zerolog.Logger
	registry  *Registry
	scheduler *refresh.Scheduler

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	bus     *relay.Bus
	sockets map[string]*livesocket.Socket
}

// New validates cfg and registers a widget per chart. Nothing runs until
// Start.
func New(cfg Config, opts ...Option) (*Dashboard, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.With().Str("component", "dashboard").Logger()
	if o.logger != nil {
		logger = o.logger.With().Str("component", "dashboard").Logger()
	}

	d := &Dashboard{
		cfg:      cfg,
		opts:     o,
		logger:   logger,
		registry: NewRegistry(),
		sockets:  map[string]*livesocket.Socket{},
	}
	for _, cc := range cfg.Charts {
		kind, _ := chart.ParseKind(cc.Kind)
		w := &Widget{Config: cc, Surface: NewSurface(cc.ID, cc.Title, kind)}
		if !cc.Live() {
			fetcher, err := source.NewHTTPFetcher(cc.URL, source.WithClient(o.httpClient))
			if err != nil {
				return nil, errors.Wrapf(err, "chart %q", cc.ID)
			}
			w.fetcher = fetcher
			w.interval = cc.Interval
		}
		if err := d.registry.Add(w); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dashboard) Config() Config {
	return d.cfg
}

func (d *Dashboard) Registry() *Registry {
	return d.registry
}

// Start begins polling and connects one socket per distinct stream URI. Each
// live chart consumes its own relay topic; the socket publishes to all topics
// bound to its stream. When Start fails, whatever it had launched is stopped
// and the dashboard can be started again.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("dashboard: closed")
	}
	if d.started {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	bus, owned := d.opts.bus, false
	if bus == nil {
		var err error
		bus, err = relay.New(d.cfg.Redis, d.logger)
		if err != nil {
			cancel()
			return err
		}
		owned = true
	}
	d.bus = bus
	d.cancel = cancel

	streams, err := d.launch(ctx, bus)
	if err != nil {
		d.teardown(owned)
		d.logger.Warn().Err(err).Msg("dashboard start failed")
		return err
	}
	d.started = true

	d.logger.Info().
		Int("charts", d.registry.Len()).
		Int("streams", streams).
		Msg("dashboard started")
	return nil
}

// launch starts every feed and returns the number of sockets opened. d.mu is
// held.
func (d *Dashboard) launch(ctx context.Context, bus *relay.Bus) (int, error) {
	schedOpts := []refresh.Option{refresh.WithLogger(d.logger), refresh.WithBaseContext(ctx)}
	if d.opts.refreshObserver != nil {
		schedOpts = append(schedOpts, refresh.WithObserver(d.opts.refreshObserver))
	}
	d.scheduler = refresh.NewScheduler(schedOpts...)

	topics := map[string][]string{}
	var streams []string
	for _, id := range d.registry.IDs() {
		w, _ := d.registry.Get(id)
		if w.Config.Live() {
			wctx, wcancel := context.WithCancel(ctx)
			consumer, err := bus.Consume(wctx, relay.Topic(id), w.Surface.Update)
			if err != nil {
				wcancel()
				return 0, errors.Wrapf(err, "chart %q", id)
			}
			w.mu.Lock()
			w.consumer, w.cancel = consumer, wcancel
			w.mu.Unlock()
			if _, ok := topics[w.Config.Stream]; !ok {
				streams = append(streams, w.Config.Stream)
			}
			topics[w.Config.Stream] = append(topics[w.Config.Stream], relay.Topic(id))
			continue
		}

		h, err := d.scheduler.Start(id, w.interval, w.fetcher, w.Surface, refresh.WithImmediate())
		if err != nil {
			return 0, errors.Wrapf(err, "chart %q", id)
		}
		w.mu.Lock()
		w.handle = h
		w.mu.Unlock()
	}

	for _, uri := range streams {
		sockOpts := []livesocket.Option{
			livesocket.WithPolicy(d.cfg.Live.Policy()),
			livesocket.WithHandler(bus.Forward(uri, topics[uri]...)),
			livesocket.WithLogger(d.logger),
		}
		if d.opts.socketObserver != nil {
			sockOpts = append(sockOpts, livesocket.WithObserver(d.opts.socketObserver))
		}
		if d.opts.dialer != nil {
			sockOpts = append(sockOpts, livesocket.WithDialer(d.opts.dialer))
		}
		s, err := livesocket.Connect(ctx, uri, sockOpts...)
		if err != nil {
			return 0, errors.Wrapf(err, "stream %s", uri)
		}
		d.sockets[uri] = s
	}
	return len(streams), nil
}

// teardown undoes a partial launch. A relay supplied through WithBus stays
// open; Close still releases it. d.mu is held.
func (d *Dashboard) teardown(ownedBus bool) {
	for uri, s := range d.sockets {
		if err := s.Close(); err != nil {
			d.logger.Debug().Err(err).Str("stream", uri).Msg("close after failed start")
		}
	}
	d.sockets = map[string]*livesocket.Socket{}
	for _, id := range d.registry.IDs() {
		if w, ok := d.registry.Get(id); ok {
			w.reset()
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
	if ownedBus && d.bus != nil {
		_ = d.bus.Close()
	}
	d.bus, d.cancel, d.scheduler = nil, nil, nil
}

func (d *Dashboard) widget(id string) (*Widget, error) {
	w, ok := d.registry.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChart, "%q", id)
	}
	return w, nil
}

// Hover pauses a polled chart or holds a live one.
func (d *Dashboard) Hover(id string) error {
	w, err := d.widget(id)
	if err != nil {
		return err
	}
	if w.Config.Live() {
		w.Surface.Hold()
		return nil
	}
	h := w.Handle()
	if h == nil {
		return ErrNotStarted
	}
	h.Pause()
	d.logger.Debug().Str("chart", id).Msg("paused on hover")
	return nil
}

// Leave resumes a polled chart with its stored parameters or releases a live
// one.
func (d *Dashboard) Leave(id string) error {
	w, err := d.widget(id)
	if err != nil {
		return err
	}
	if w.Config.Live() {
		w.Surface.Release()
		return nil
	}
	h := w.Handle()
	if h == nil {
		return ErrNotStarted
	}
	if h.State() != refresh.Paused {
		return nil
	}
	return h.Resume(w.interval, w.fetcher, w.Surface)
}

func (d *Dashboard) socketFor(uri string) *livesocket.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[uri]
}

func (d *Dashboard) Snapshot() []Panel {
	ids := d.registry.IDs()
	panels := make([]Panel, 0, len(ids))
	for _, id := range ids {
		w, ok := d.registry.Get(id)
		if !ok {
			continue
		}
		st := w.Surface.State()
		p := Panel{
			ID:        id,
			Title:     w.Config.Title,
			Kind:      w.Surface.kind,
			Live:      w.Config.Live(),
			Frame:     st.Frame,
			HasFrame:  st.HasFrame,
			Updates:   st.Updates,
			UpdatedAt: st.UpdatedAt,
			Stream:    w.Config.Stream,
		}
		if st.Err != nil {
			p.Err = st.Err.Error()
		}
		switch {
		case p.Live && st.Held:
			p.State = "held"
		case p.Live:
			p.State = "live"
		case w.Handle() != nil:
			p.State = w.Handle().State().String()
		default:
			p.State = "idle"
		}
		if p.Live {
			p.Socket = "connecting"
			if s := d.socketFor(p.Stream); s != nil {
				p.Socket = s.Info().State.String()
			}
		}
		panels = append(panels, p)
	}
	return panels
}

// Close stops every handle, closes sockets and the relay. It is safe to call
// more than once.
func (d *Dashboard) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sockets := d.sockets
	d.sockets = map[string]*livesocket.Socket{}
	bus, cancel := d.bus, d.cancel
	d.mu.Unlock()

	var result *multierror.Error
	for uri, s := range sockets {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close stream %s", uri))
		}
	}
	d.registry.Close()
	if cancel != nil {
		cancel()
	}
	if bus == nil {
		bus = d.opts.bus
	}
	if err := bus.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close relay"))
	}
	d.logger.Info().Msg("dashboard closed")
	return result.ErrorOrNil()
}
