package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/plexwatch/internal/processor"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Ready         bool             `json:"ready"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	Plex          PlexStatus       `json:"plex"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Sessions      SessionsJSON     `json:"sessions"`
	Counts        processor.Counts `json:"event_counts"`
	Config        ConfigJSON       `json:"config"`
}

// PlexStatus reports the notification socket state.
type PlexStatus struct {
	State              string     `json:"state"`
	Connected          bool       `json:"connected"`
	Address            string     `json:"address"`
	ConnectedSince     string     `json:"connected_since,omitempty"`
	Retries            int        `json:"retries"`
	ReconnectScheduled bool       `json:"reconnect_scheduled"`
	Reconnects         int        `json:"reconnects"`
	Unauthorized       int        `json:"unauthorized"`
	MaxRetriesReached  int        `json:"max_retries_reached"`
	LastError          string     `json:"last_error,omitempty"`
	LastClose          *CloseJSON `json:"last_close,omitempty"`
}

// CloseJSON describes the last closed connection.
type CloseJSON struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// SessionsJSON reports the session cache.
type SessionsJSON struct {
	Cached int `json:"cached"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PlexAddress         string `json:"plex_address"`
	PingIntervalMs      int64  `json:"ping_interval_ms"`
	PongTimeoutMs       int64  `json:"pong_timeout_ms"`
	ReconnectIntervalMs int64  `json:"reconnect_interval_ms"`
	MaxRetries          int    `json:"max_retries"`
	Filters             int    `json:"filters"`
	HeartbeatMs         int64  `json:"heartbeat_ms"`
	Broker              string `json:"broker"`
	HTTPAddr            string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	plex := PlexStatus{
		State:              snap.Plex.State.String(),
		Connected:          snap.Plex.Connected(),
		Address:            snap.Plex.Address,
		Retries:            snap.Plex.Retries,
		ReconnectScheduled: snap.Plex.ReconnectScheduled,
		Reconnects:         snap.Alerts.Reconnects,
		Unauthorized:       snap.Alerts.Unauthorized,
		MaxRetriesReached:  snap.Alerts.MaxRetriesReached,
		LastError:          snap.Plex.LastError,
	}
	if plex.Address == "" {
		plex.Address = snap.Config.PlexAddress
	}
	if !snap.Plex.ConnectedSince.IsZero() {
		plex.ConnectedSince = snap.Plex.ConnectedSince.UTC().Format(time.RFC3339)
	}
	if c := snap.Plex.LastClose; c != nil {
		plex.LastClose = &CloseJSON{Code: c.Code, Reason: c.Reason}
	}

	return StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Plex:          plex,
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sessions:      SessionsJSON{Cached: snap.CachedSessions},
		Counts:        snap.Counts,
		Config: ConfigJSON{
			PlexAddress:         snap.Config.PlexAddress,
			PingIntervalMs:      snap.Config.PingIntervalMs,
			PongTimeoutMs:       snap.Config.PongTimeoutMs,
			ReconnectIntervalMs: snap.Config.ReconnectIntervalMs,
			MaxRetries:          snap.Config.MaxRetries,
			Filters:             snap.Config.Filters,
			HeartbeatMs:         snap.Config.HeartbeatMs,
			Broker:              snap.Config.Broker,
			HTTPAddr:            snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
