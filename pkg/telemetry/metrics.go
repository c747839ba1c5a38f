// Package telemetry exposes scheduler and socket events as Prometheus metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/refresh"
)

const namespace = "livechart"

var (
	_ refresh.Observer    = (*Metrics)(nil)
	_ livesocket.Observer = (*Metrics)(nil)
)

// Metrics counts refresh and socket events. It is both a refresh.Observer
// and a livesocket.Observer.
type Metrics struct {
	ticks          *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	renders        *prometheus.CounterVec
	renderFailures *prometheus.CounterVec
	discarded      *prometheus.CounterVec
	renderSeconds  *prometheus.HistogramVec

	connects          *prometheus.CounterVec
	opens             *prometheus.CounterVec
	closes            *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	reconnectDelay    *prometheus.GaugeVec
	up                *prometheus.GaugeVec
	messages          *prometheus.CounterVec
	messageBytes      *prometheus.CounterVec
	messagesDiscarded *prometheus.CounterVec
}

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks:          counter("refresh", "ticks_total", "Refresh ticks issued.", "chart"),
		fetchFailures:  counter("refresh", "fetch_failures_total", "Fetches that failed; the tick rendered nothing.", "chart"),
		renders:        counter("refresh", "renders_total", "Successful renders.", "chart"),
		renderFailures: counter("refresh", "render_failures_total", "Renders that rejected their payload.", "chart"),
		discarded:      counter("refresh", "discarded_total", "Fetch results dropped before rendering.", "chart", "reason"),
		renderSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "render_seconds",
			Help:      "Time spent in the renderer.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"chart"}),

		connects:          counter("socket", "attempts_total", "Connection attempts started.", "uri"),
		opens:             counter("socket", "opens_total", "Sessions that reached the open state.", "uri"),
		closes:            counter("socket", "closes_total", "Sessions that ended, including failed dials.", "uri"),
		reconnects:        counter("socket", "reconnects_total", "Reconnect attempts scheduled.", "uri"),
		reconnectDelay:    gauge("socket", "reconnect_delay_seconds", "Delay of the most recently scheduled reconnect.", "uri"),
		up:                gauge("socket", "up", "1 while the stream has an open session.", "uri"),
		messages:          counter("socket", "messages_total", "Messages read from the stream.", "uri"),
		messageBytes:      counter("socket", "message_bytes_total", "Payload bytes read from the stream.", "uri"),
		messagesDiscarded: counter("socket", "messages_discarded_total", "Messages dropped because their session was superseded.", "uri"),
	}

	for _, c := range []prometheus.Collector{
		m.ticks, m.fetchFailures, m.renders, m.renderFailures, m.discarded, m.renderSeconds,
		m.connects, m.opens, m.closes, m.reconnects, m.reconnectDelay, m.up,
		m.messages, m.messageBytes, m.messagesDiscarded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) TickIssued(target string) {
	m.ticks.WithLabelValues(target).Inc()
}

func (m *Metrics) FetchFailed(target string, _ error) {
	m.fetchFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) Rendered(target string, took time.Duration) {
	m.renders.WithLabelValues(target).Inc()
	m.renderSeconds.WithLabelValues(target).Observe(took.Seconds())
}

func (m *Metrics) RenderFailed(target string, _ error) {
	m.renderFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) Discarded(target string, reason string) {
	m.discarded.WithLabelValues(target, reason).Inc()
}

func (m *Metrics) Connecting(uri string, _ uint64) {
	m.connects.WithLabelValues(uri).Inc()
}

func (m *Metrics) Opened(uri string, _ uint64) {
	m.opens.WithLabelValues(uri).Inc()
	m.up.WithLabelValues(uri).Set(1)
}

func (m *Metrics) Closed(uri string, _ uint64, _ error) {
	m.closes.WithLabelValues(uri).Inc()
	m.up.WithLabelValues(uri).Set(0)
}

func (m *Metrics) ReconnectScheduled(uri string, _ int, delay time.Duration) {
	m.reconnects.WithLabelValues(uri).Inc()
	m.reconnectDelay.WithLabelValues(uri).Set(delay.Seconds())
}

func (m *Metrics) MessageReceived(uri string, size int) {
	m.messages.WithLabelValues(uri).Inc()
	m.messageBytes.WithLabelValues(uri).Add(float64(size))
}

func (m *Metrics) MessageDiscarded(uri string, _ uint64) {
	m.messagesDiscarded.WithLabelValues(uri).Inc()
}
