// Package metrics exports Prometheus metrics for the notification transport
// and the playing event processor.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/plexwatch/internal/plex"
)

// TransportSource is the signal surface of a *plex.Transport.
type TransportSource interface {
	OnOpen(func())
	OnClose(func(plex.CloseEvent))
	OnReconnecting(func(plex.ReconnectEvent))
	OnPong(func())
	OnPongTimeout(func())
	OnError(func(error))
	OnUnauthorized(func(plex.UnexpectedResponse))
	OnUnexpectedResponse(func(plex.UnexpectedResponse))
	OnReconnectMaxRetries(func(int))
	OnNotification(func(plex.NotificationContainer))
	OnPlaying(func(plex.PlayingEvent))
}

// TransportMetrics contains the metrics of the notification socket.
type TransportMetrics struct {
	ConnectionStatus    prometheus.Gauge
	Connects            prometheus.Counter
	Disconnects         *prometheus.CounterVec // by close code
	Reconnects          prometheus.Counter
	PongTimeouts        prometheus.Counter
	LastPongTime        prometheus.Gauge
	Errors              prometheus.Counter
	HandshakeRejections *prometheus.CounterVec // by HTTP status
	MaxRetriesReached   prometheus.Counter
	Notifications       *prometheus.CounterVec // by notification type
	PlayingEvents       *prometheus.CounterVec // by playback state
}

// NewTransportMetrics creates the transport metrics and registers them.
func NewTransportMetrics(registry prometheus.Registerer) (*TransportMetrics, error) {
	m := &TransportMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register transport metrics: %w", err)
	}
	return m, nil
}

func (m *TransportMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plex_notification_connection_status",
		Help: "Current notification socket status (1 for connected, 0 for disconnected)",
	})
	m.Connects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plex_notification_connects_total",
		Help: "Total number of successful notification socket connections",
	})
	m.Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plex_notification_disconnects_total",
		Help: "Total number of ended notification socket connections by close code",
	}, []string{"code"})
	m.Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plex_notification_reconnects_total",
		Help: "Total number of scheduled reconnect attempts",
	})
	m.PongTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plex_notification_pong_timeouts_total",
		Help: "Total number of pings left unanswered",
	})
	m.LastPongTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plex_notification_last_pong_timestamp_seconds",
		Help: "Timestamp of the last pong received",
	})
	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plex_notification_errors_total",
		Help: "Total number of socket, parse and malformed notification errors",
	})
	m.HandshakeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plex_notification_handshake_rejections_total",
		Help: "Total number of rejected websocket handshakes by HTTP status",
	}, []string{"status"})
	m.MaxRetriesReached = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plex_notification_max_retries_reached_total",
		Help: "Total number of times the reconnect retry ceiling was reached",
	})
	m.Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plex_notifications_total",
		Help: "Total number of notifications received by type",
	}, []string{"type"})
	m.PlayingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plex_playing_events_total",
		Help: "Total number of playing events received by playback state",
	}, []string{"state"})
}

// Subscribe registers the metrics as listeners on src.
func (m *TransportMetrics) Subscribe(src TransportSource) {
	src.OnOpen(func() {
		m.Connects.Inc()
		m.ConnectionStatus.Set(1)
	})
	src.OnClose(func(ev plex.CloseEvent) {
		m.Disconnects.WithLabelValues(strconv.Itoa(ev.Code)).Inc()
		m.ConnectionStatus.Set(0)
	})
	src.OnReconnecting(func(ev plex.ReconnectEvent) {
		m.Disconnects.WithLabelValues(strconv.Itoa(ev.Code)).Inc()
		m.Reconnects.Inc()
		m.ConnectionStatus.Set(0)
	})
	src.OnPong(func() { m.LastPongTime.SetToCurrentTime() })
	src.OnPongTimeout(func() { m.PongTimeouts.Inc() })
	src.OnError(func(error) { m.Errors.Inc() })
	src.OnUnauthorized(func(r plex.UnexpectedResponse) {
		m.HandshakeRejections.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
	})
	src.OnUnexpectedResponse(func(r plex.UnexpectedResponse) {
		m.HandshakeRejections.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
	})
	src.OnReconnectMaxRetries(func(int) { m.MaxRetriesReached.Inc() })
	src.OnNotification(func(c plex.NotificationContainer) {
		m.Notifications.WithLabelValues(c.Type).Inc()
	})
	src.OnPlaying(func(ev plex.PlayingEvent) {
		m.PlayingEvents.WithLabelValues(ev.State).Inc()
	})
}

// Describe implements prometheus.Collector.
func (m *TransportMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.Connects.Describe(ch)
	m.Disconnects.Describe(ch)
	m.Reconnects.Describe(ch)
	m.PongTimeouts.Describe(ch)
	m.LastPongTime.Describe(ch)
	m.Errors.Describe(ch)
	m.HandshakeRejections.Describe(ch)
	m.MaxRetriesReached.Describe(ch)
	m.Notifications.Describe(ch)
	m.PlayingEvents.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *TransportMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.Connects.Collect(ch)
	m.Disconnects.Collect(ch)
	m.Reconnects.Collect(ch)
	m.PongTimeouts.Collect(ch)
	m.LastPongTime.Collect(ch)
	m.Errors.Collect(ch)
	m.HandshakeRejections.Collect(ch)
	m.MaxRetriesReached.Collect(ch)
	m.Notifications.Collect(ch)
	m.PlayingEvents.Collect(ch)
}
