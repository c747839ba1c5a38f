// Package livesocket maintains a best-effort persistent websocket connection.
// Every close schedules a fresh attempt to the same URI after a policy delay,
// forever by default, until the Socket is closed.
package livesocket

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidURI = errors.New("livesocket: uri must use the ws or wss scheme")
	ErrNotOpen    = errors.New("livesocket: no open session")
	ErrClosed     = errors.New("livesocket: socket is closed")
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Observer receives connection lifecycle events. Implementations must be safe
// for concurrent use.
type Observer interface {
	Connecting(uri string, generation uint64)
	Opened(uri string, generation uint64)
	Closed(uri string, generation uint64, err error)
	ReconnectScheduled(uri string, attempt int, delay time.Duration)
	MessageReceived(uri string, size int)
	MessageDiscarded(uri string, generation uint64)
}

type nopObserver struct{}

func (nopObserver) Connecting(string, uint64)                     {}
func (nopObserver) Opened(string, uint64)                         {}
func (nopObserver) Closed(string, uint64, error)                  {}
func (nopObserver) ReconnectScheduled(string, int, time.Duration) {}
func (nopObserver) MessageReceived(string, int)                   {}
func (nopObserver) MessageDiscarded(string, uint64)               {}

type options struct {
	dialer       Dialer
	header       http.Header
	policy       Policy
	logger       *zerolog.Logger
	observer     Observer
	readLimit    int64
	inboxSize    int
	writeTimeout time.Duration
	handlers     []Handler
}

type Option func(*options)

func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

func WithPolicy(p Policy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.readLimit = n
	}
}

func WithInboxSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.inboxSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithHandler subscribes h before the first attempt starts, so no message of
// the first session can be missed.
func WithHandler(h Handler) Option {
	return func(o *options) {
		if h != nil {
			o.handlers = append(o.handlers, h)
		}
	}
}

type subscriber struct {
	id uint64
	h  Handler
}

// Socket is one logical live stream. It is the disposable handle returned by
// Connect: Close ends the reconnect loop and releases the connection.
type Socket struct {
	uri    string
	opts   options
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	generation uint64
	current    *session
	closed     bool

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64

	writeMu sync.Mutex

	inbox     chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Connect validates uri and starts the connection lineage in the background.
// It does not wait for the first attempt.
func Connect(ctx context.Context, uri string, opts ...Option) (*Socket, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parse socket uri")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Wrapf(ErrInvalidURI, "got %q", uri)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o := options{
		dialer:       websocket.DefaultDialer,
		policy:       Fixed{Delay: DefaultReconnectDelay},
		observer:     nopObserver{},
		inboxSize:    64,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.With().Str("component", "livesocket").Str("uri", uri).Logger()
	if o.logger != nil {
		logger = o.logger.With().Str("uri", uri).Logger()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		uri:    uri,
		opts:   o,
		logger: logger,
		ctx:    sctx,
		cancel: cancel,
		inbox:  make(chan Message, o.inboxSize),
		done:   make(chan struct{}),
	}
	for _, h := range o.handlers {
		s.addHandler(h)
	}

	s.wg.Add(2)
	go s.dispatch()
	go s.run()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return s, nil
}

func (s *Socket) URI() string {
	return s.uri
}

// Done is closed once the lineage has ended: after Close, after the parent
// context is cancelled, or when the policy gives up.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return SessionInfo{URI: s.uri, State: Connecting}
	}
	return SessionInfo{
		ID:         s.current.id,
		Generation: s.current.generation,
		URI:        s.uri,
		State:      s.current.state,
		OpenedAt:   s.current.openedAt,
	}
}

// Subscribe registers h for every message of the current session. Handlers
// run on a single dispatcher goroutine, in subscription order, and must not
// call Close.
func (s *Socket) Subscribe(h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	id := s.addHandler(h)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Send writes a text message on the open session.
func (s *Socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var conn *websocket.Conn
	if s.current != nil && s.current.state == Open {
		conn = s.current.conn
	}
	s.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(s.opts.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Close stops the lineage: the pending reconnect is cancelled and an open
// connection is closed with a normal-closure frame. It waits for the internal
// goroutines and is safe to call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var conn *websocket.Conn
		if s.current != nil {
			conn = s.current.conn
		}
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.closeErr = errors.Wrap(err, "close connection")
			}
		}
		<-s.done
		s.logger.Debug().Msg("socket closed by owner")
	})
	return s.closeErr
}

func (s *Socket) addHandler(h Handler) uint64 {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: s.nextSub, h: h})
	return s.nextSub
}

func (s *Socket) handlers() []Handler {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	ret := make([]Handler, 0, len(s.subs))
	for _, sub := range s.subs {
		ret = append(ret, sub.h)
	}
	return ret
}

func (s *Socket) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Socket) run() {
	defer s.wg.Done()
	defer close(s.inbox)

	attempt := 0
	for {
		sess, ok := s.beginSession()
		if !ok {
			return
		}

		conn, _, err := s.opts.dialer.DialContext(s.ctx, s.uri, s.opts.header)
		if err == nil {
			if !s.markOpen(sess, conn) {
				_ = conn.Close()
				return
			}
			attempt = 0
			s.opts.policy.Reset()
			// ReadMessage does not watch the context; closing the conn unblocks it
			release := context.AfterFunc(s.ctx, func() { s.release(conn) })
			err = s.readLoop(sess, conn)
			release()
		} else {
			s.logger.Debug().Err(err).Uint64("generation", sess.generation).Msg("dial failed")
		}
		s.markClosed(sess, err)

		if s.ctx.Err() != nil {
			return
		}
		attempt++
		delay, ok := s.opts.policy.Next(attempt)
		if !ok {
			s.logger.Warn().Int("attempt", attempt).Msg("reconnect attempts exhausted, giving up")
			return
		}
		s.opts.observer.ReconnectScheduled(s.uri, attempt, delay)
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Socket) beginSession() (*session, bool) {
	s.mu.Lock()
	if s.closed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, false
	}
	s.generation++
	sess := &session{
		id:         uuid.NewString(),
		generation: s.generation,
		state:      Connecting,
	}
	s.current = sess
	s.mu.Unlock()

	s.opts.observer.Connecting(s.uri, sess.generation)
	s.logger.Debug().Str("session_id", sess.id).Uint64("generation", sess.generation).Msg("connecting")
	return sess, true
}

func (s *Socket) markOpen(sess *session, conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		sess.state = Closed
		s.mu.Unlock()
		return false
	}
	sess.conn = conn
	sess.state = Open
	sess.openedAt = time.Now()
	s.mu.Unlock()

	if s.opts.readLimit > 0 {
		conn.SetReadLimit(s.opts.readLimit)
	}
	s.opts.observer.Opened(s.uri, sess.generation)
	s.logger.Info().Str("session_id", sess.id).Uint64("generation", sess.generation).Msg("socket open")
	return true
}

// release ends an open connection after the parent context is cancelled.
// Close does its own teardown.
func (s *Socket) release(conn *websocket.Conn) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
	s.logger.Debug().Msg("socket released after context cancellation")
}

func (s *Socket) readLoop(sess *session, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.opts.observer.MessageReceived(s.uri, len(data))
		msg := Message{
			Generation: sess.generation,
			SessionID:  sess.id,
			Type:       mt,
			Data:       data,
			ReceivedAt: time.Now(),
		}
		select {
		case s.inbox <- msg:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Socket) markClosed(sess *session, err error) {
	s.mu.Lock()
	sess.state = Closed
	conn := sess.conn
	sess.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.opts.observer.Closed(s.uri, sess.generation, err)

	ev := s.logger.Debug()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = s.logger.Info()
	}
	ev.Err(err).Str("session_id", sess.id).Uint64("generation", sess.generation).Msg("socket closed")
}

// dispatch delivers queued messages. A message whose generation is not the
// current one belongs to a superseded attempt and is dropped.
func (s *Socket) dispatch() {
	defer s.wg.Done()
	for msg := range s.inbox {
		if s.ctx.Err() != nil {
			continue
		}
		if msg.Generation != s.currentGeneration() {
			s.opts.observer.MessageDiscarded(s.uri, msg.Generation)
			s.logger.Debug().Uint64("generation", msg.Generation).Msg("dropping message from superseded session")
			continue
		}
		for _, h := range s.handlers() {
			h(msg)
		}
	}
}
