// Package status provides a thread-safe status tracker for the plexwatch daemon.
// It is read by the HTTP handlers and by the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/processor"
)

// Config contains daemon configuration for display.
type Config struct {
	PlexAddress         string
	PingIntervalMs      int64
	PongTimeoutMs       int64
	ReconnectIntervalMs int64
	MaxRetries          int
	Filters             int
	HeartbeatMs         int64
	Broker              string
	HTTPAddr            string
}

// Alerts counts transport conditions that need an operator's attention.
type Alerts struct {
	Unauthorized      int
	MaxRetriesReached int
	Reconnects        int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Plex           plex.Status
	Counts         processor.Counts
	CachedSessions int
	Alerts         Alerts
	StartTime      time.Time
	Now            time.Time
	MQTTConnected  bool
	Config         Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether the notification socket is up.
func (s Snapshot) Ready() bool {
	return s.Plex.Connected()
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the transport status, processor counts and session cache size.
// Called from the daemon loop on every refresh.
func (t *Tracker) Update(ps plex.Status, counts processor.Counts, cachedSessions int) {
	t.mu.Lock()
	t.snap.Plex = ps
	t.snap.Counts = counts
	t.snap.CachedSessions = cachedSessions
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// RecordUnauthorized counts a handshake rejected for its token.
func (t *Tracker) RecordUnauthorized() {
	t.mu.Lock()
	t.snap.Alerts.Unauthorized++
	t.mu.Unlock()
}

// RecordMaxRetries counts a reconnect that reached the retry ceiling.
func (t *Tracker) RecordMaxRetries() {
	t.mu.Lock()
	t.snap.Alerts.MaxRetriesReached++
	t.mu.Unlock()
}

// RecordReconnect counts a scheduled reconnect.
func (t *Tracker) RecordReconnect() {
	t.mu.Lock()
	t.snap.Alerts.Reconnects++
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

// HeartbeatDue reports whether a heartbeat should be sent at now. A zero
// interval disables heartbeats.
func HeartbeatDue(last, now time.Time, interval time.Duration) bool {
	return interval > 0 && now.Sub(last) >= interval
}
