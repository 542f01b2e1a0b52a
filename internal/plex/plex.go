// Package plex maintains the notification websocket to a Plex Media Server and
// turns its frames into typed signals.
//
// A Transport owns at most one socket at a time. All state changes happen on
// the goroutine running Transport.Run; socket reads, dials and timer firings
// are posted to it tagged with the connection generation, so anything that
// belongs to an earlier connection is ignored.
package plex

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultPort              = 32400
	DefaultPingInterval      = 10 * time.Second
	DefaultPongTimeout       = 5 * time.Second
	DefaultReconnectInterval = 10 * time.Second

	// NotificationPath is the websocket endpoint on the media server.
	NotificationPath = "/:/websockets/notifications"

	// TokenHeader carries the auth token on the handshake request.
	TokenHeader = "X-Plex-Token"

	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

var (
	ErrMissingHost           = errors.New("plex: host is required")
	ErrMalformedNotification = errors.New("plex: malformed notification")
	ErrUnauthorized          = errors.New("plex: unauthorized")
	ErrAlreadyRunning        = errors.New("plex: transport already running")
)

// Config holds the connection settings for a Transport.
type Config struct {
	Host   string
	Port   int
	Token  string
	Secure bool

	PingInterval      time.Duration
	PongTimeout       time.Duration
	ReconnectInterval time.Duration
	// MaxRetries is the attempt count at which OnReconnectMaxRetries fires.
	// Zero means unbounded. Reaching it does not stop reconnection.
	MaxRetries int
	// AutoConnect dials as soon as Run starts.
	AutoConnect bool
}

// DefaultConfig returns a Config with the standard Plex port and timings.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		PingInterval:      DefaultPingInterval,
		PongTimeout:       DefaultPongTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		AutoConnect:       true,
	}
}

func (c Config) hostPort() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Address returns the notification endpoint URL. The token is sent as a
// header and never appears in the address.
func (c Config) Address() (string, error) {
	if c.Host == "" {
		return "", ErrMissingHost
	}
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.hostPort(), Path: NotificationPath}
	return u.String(), nil
}

// BaseURL returns the HTTP(S) root of the media server API.
func (c Config) BaseURL() (string, error) {
	if c.Host == "" {
		return "", ErrMissingHost
	}
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: c.hostPort()}
	return u.String(), nil
}

func (c Config) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set(TokenHeader, c.Token)
	}
	return h
}

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAwaitingPong
	StateClosing
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateAwaitingPong: "awaiting_pong",
	StateClosing:      "closing",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// PlayingEvent is emitted once per session entry of a "playing" notification.
type PlayingEvent struct {
	State        string
	Notification PlaySessionState
}

// CloseEvent describes how a connection ended.
type CloseEvent struct {
	Code   int
	Reason string
}

// ReconnectEvent is emitted when a reconnect attempt has been scheduled.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
	Code    int
	Reason  string
}

// UnexpectedResponse is the HTTP response to a rejected websocket handshake.
type UnexpectedResponse struct {
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
}

// Status is a point-in-time view of a Transport. It is a value type and safe
// to use from any goroutine.
type Status struct {
	State              State
	Address            string
	Generation         uint64
	Retries            int
	PingerArmed        bool
	AwaitingPong       bool
	ReconnectScheduled bool
	ConnectedSince     time.Time
	LastError          string
	LastErrorAt        time.Time
	LastClose          *CloseEvent
}

// Connected reports whether a socket is currently open.
func (s Status) Connected() bool {
	return s.State == StateOpen || s.State == StateAwaitingPong
}
