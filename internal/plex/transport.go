package plex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type timerKind int

const (
	timerPinger timerKind = iota
	timerAwaitPong
	timerReconnect
)

type controlKind int

const (
	controlPing controlKind = iota
	controlPong
)

// Loop inputs. Everything except commands carries the generation of the
// connection it belongs to.
type (
	cmdConnect struct{}
	cmdClose   struct{}

	dialResult struct {
		gen      uint64
		conn     Conn
		response *UnexpectedResponse
		err      error
	}
	frameEvent struct {
		gen         uint64
		messageType int
		data        []byte
	}
	controlEvent struct {
		gen  uint64
		kind controlKind
		data string
	}
	readError struct {
		gen uint64
		err error
	}
	timerEvent struct {
		gen  uint64
		kind timerKind
		seq  uint64
	}
)

// slot holds one armed timer. seq identifies the arming so that a firing
// which raced with Stop is recognised as stale.
type slot struct {
	timer Timer
	seq   uint64
}

func (s *slot) armed() bool { return s.timer != nil }

// Transport is a self-healing notification connection.
type Transport struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	log    zerolog.Logger

	inbox   chan any
	done    chan struct{}
	running atomic.Bool

	onOpen               signal[struct{}]
	onPlaying            signal[PlayingEvent]
	onNotification       signal[NotificationContainer]
	onMessage            signal[Message]
	onError              signal[error]
	onUnauthorized       signal[UnexpectedResponse]
	onUnexpectedResponse signal[UnexpectedResponse]
	onClose              signal[CloseEvent]
	onPong               signal[struct{}]
	onPongTimeout        signal[struct{}]
	onMaxRetries         signal[int]
	onReconnecting       signal[ReconnectEvent]

	// Owned by the Run goroutine.
	ctx            context.Context
	conn           Conn
	gen            uint64
	state          State
	shouldClose    bool
	retries        int
	timerSeq       uint64
	pinger         slot
	awaitPong      slot
	reconnect      slot
	connectedSince time.Time
	lastErr        error
	lastErrAt      time.Time
	lastClose      *CloseEvent

	statusMu sync.RWMutex
	status   Status
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithClock replaces the wall clock used for timers.
func WithClock(c Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l.With().Str("component", "plex").Logger() }
}

// New creates a Transport. Nothing is dialed until Run is called.
func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		dialer: NewWebsocketDialer(handshakeTimeout),
		clock:  systemClock{},
		log:    zerolog.Nop(),
		inbox:  make(chan any, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.status.Address, _ = cfg.Address()
	return t
}

// Run drives the connection until ctx is cancelled. It dials immediately when
// Config.AutoConnect is set. Run may only be called once.
func (t *Transport) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(t.done)

	t.ctx = ctx
	if t.cfg.AutoConnect {
		t.connect()
		t.publishStatus()
	}
	for {
		select {
		case <-ctx.Done():
			t.closeWith(websocket.CloseGoingAway, "transport stopped")
			t.publishStatus()
			return nil
		case ev := <-t.inbox:
			t.handle(ev)
			t.publishStatus()
		}
	}
}

// Connect starts a connection attempt. An invalid address is reported here
// and also handled as a failed connection, which schedules a reconnect.
func (t *Transport) Connect() error {
	t.post(cmdConnect{})
	if _, err := t.cfg.Address(); err != nil {
		return fmt.Errorf("build notification address: %w", err)
	}
	return nil
}

// Close closes the socket without reconnecting. Pending timers are cancelled
// and an OnClose signal follows.
func (t *Transport) Close() error {
	t.post(cmdClose{})
	return nil
}

// Status returns a snapshot of the connection state.
func (t *Transport) Status() Status {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	s := t.status
	if s.LastClose != nil {
		c := *s.LastClose
		s.LastClose = &c
	}
	return s
}

func (t *Transport) post(ev any) {
	select {
	case t.inbox <- ev:
	case <-t.done:
	}
}

func (t *Transport) handle(ev any) {
	switch ev := ev.(type) {
	case cmdConnect:
		t.connect()
	case cmdClose:
		t.closeWith(websocket.CloseNormalClosure, "closed by client")
	case dialResult:
		t.onDial(ev)
	case frameEvent:
		if ev.gen == t.gen {
			t.onFrame(ev)
		}
	case controlEvent:
		if ev.gen == t.gen {
			t.onControl(ev)
		}
	case readError:
		if ev.gen == t.gen {
			t.onReadError(ev)
		}
	case timerEvent:
		t.onTimer(ev)
	}
}

func (t *Transport) connect() {
	t.retries++
	if t.cfg.MaxRetries > 0 && t.retries == t.cfg.MaxRetries {
		t.log.Warn().Int("retries", t.retries).Msg("reconnect max retries reached")
		t.onMaxRetries.emit(t.retries)
	}

	t.stop(&t.reconnect)
	t.stopHeartbeat()
	t.dropConn()
	t.shouldClose = false
	t.gen++

	addr, err := t.cfg.Address()
	if err != nil {
		t.recordError(err)
		t.log.Error().Err(err).Msg("cannot build notification address")
		t.handleClose(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	t.state = StateConnecting
	t.log.Debug().Str("address", addr).Int("attempt", t.retries).Msg("connecting")
	go t.dial(t.ctx, t.gen, addr)
}

func (t *Transport) dial(ctx context.Context, gen uint64, addr string) {
	conn, resp, err := t.dialer.DialContext(ctx, addr, t.cfg.header())
	res := dialResult{gen: gen, conn: conn, err: err}
	if resp != nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			res.response = &UnexpectedResponse{
				URL:        addr,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Header:     resp.Header.Clone(),
			}
		}
	}
	t.post(res)
}

func (t *Transport) onDial(ev dialResult) {
	if ev.gen != t.gen || t.shouldClose {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	if ev.err != nil {
		if ev.response != nil && ev.response.StatusCode == http.StatusUnauthorized {
			t.recordError(fmt.Errorf("%w: %s", ErrUnauthorized, ev.response.Status))
		} else {
			t.recordError(ev.err)
		}
		switch {
		case ev.response != nil && ev.response.StatusCode == http.StatusUnauthorized:
			t.log.Error().Int("status", ev.response.StatusCode).Msg("notification endpoint rejected token")
			t.onUnauthorized.emit(*ev.response)
		case ev.response != nil:
			t.log.Warn().Int("status", ev.response.StatusCode).Msg("unexpected handshake response")
			t.onUnexpectedResponse.emit(*ev.response)
		default:
			t.log.Warn().Err(ev.err).Msg("connect failed")
			t.onError.emit(fmt.Errorf("connect: %w", ev.err))
		}
		t.handleClose(websocket.CloseAbnormalClosure, ev.err.Error())
		return
	}

	conn, gen := ev.conn, ev.gen
	conn.SetPingHandler(func(data string) error {
		t.post(controlEvent{gen: gen, kind: controlPing, data: data})
		return nil
	})
	conn.SetPongHandler(func(data string) error {
		t.post(controlEvent{gen: gen, kind: controlPong, data: data})
		return nil
	})
	t.conn = conn
	go t.readLoop(gen, conn)

	t.retries = 0
	t.state = StateOpen
	t.connectedSince = t.clock.Now()
	t.log.Info().Str("address", t.status.Address).Msg("connected")
	t.onOpen.emit(struct{}{})
	t.ping()
}

func (t *Transport) readLoop(gen uint64, conn Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.post(readError{gen: gen, err: err})
			return
		}
		t.post(frameEvent{gen: gen, messageType: mt, data: data})
	}
}

// ping sends a ping frame and arms the pong deadline.
func (t *Transport) ping() {
	if t.conn == nil || t.shouldClose || t.state != StateOpen {
		return
	}
	t.stopHeartbeat()
	if err := t.conn.WriteControl(websocket.PingMessage, nil, t.clock.Now().Add(writeWait)); err != nil {
		t.recordError(err)
		t.log.Warn().Err(err).Msg("ping failed")
		t.onError.emit(fmt.Errorf("send ping: %w", err))
	}
	t.arm(&t.awaitPong, t.cfg.PongTimeout, timerAwaitPong)
	t.state = StateAwaitingPong
}

func (t *Transport) onControl(ev controlEvent) {
	if t.conn == nil {
		return
	}
	switch ev.kind {
	case controlPing:
		// The server drops clients that leave its pings unanswered.
		if err := t.conn.WriteControl(websocket.PongMessage, []byte(ev.data), t.clock.Now().Add(writeWait)); err != nil {
			t.recordError(err)
			t.log.Warn().Err(err).Msg("pong reply failed")
			t.onError.emit(fmt.Errorf("send pong: %w", err))
		}
	case controlPong:
		t.stopHeartbeat()
		// A pong that lost the race with the pong timeout belongs to a
		// socket that is already being torn down.
		if t.shouldClose || t.state == StateClosing {
			return
		}
		t.state = StateOpen
		t.arm(&t.pinger, t.cfg.PingInterval, timerPinger)
		t.onPong.emit(struct{}{})
	}
}

func (t *Transport) onTimer(ev timerEvent) {
	if ev.gen != t.gen {
		return
	}
	var s *slot
	switch ev.kind {
	case timerPinger:
		s = &t.pinger
	case timerAwaitPong:
		s = &t.awaitPong
	case timerReconnect:
		s = &t.reconnect
	default:
		return
	}
	if !s.armed() || s.seq != ev.seq {
		return
	}
	*s = slot{}

	switch ev.kind {
	case timerPinger:
		t.ping()
	case timerAwaitPong:
		t.log.Warn().Dur("timeout", t.cfg.PongTimeout).Msg("pong timeout, terminating connection")
		t.onPongTimeout.emit(struct{}{})
		if t.conn != nil {
			t.state = StateClosing
			t.conn.Close()
		}
	case timerReconnect:
		if !t.shouldClose {
			t.connect()
		}
	}
}

func (t *Transport) onFrame(ev frameEvent) {
	if ev.messageType != websocket.TextMessage && ev.messageType != websocket.BinaryMessage {
		return
	}
	msg, container, err := ParseFrame(ev.data)
	if err != nil && !errors.Is(err, ErrMalformedNotification) {
		t.reportDrop(fmt.Errorf("parse message: %w", err))
		return
	}
	t.onMessage.emit(msg)
	if err != nil {
		t.reportDrop(err)
		return
	}
	if container != nil {
		t.dispatch(*container)
	}
}

func (t *Transport) reportDrop(err error) {
	t.recordError(err)
	t.log.Warn().Err(err).Msg("dropping message")
	t.onError.emit(err)
}

func (t *Transport) dispatch(c NotificationContainer) {
	t.onNotification.emit(c)
	events, err := PlayingEvents(c)
	if err != nil {
		t.reportDrop(err)
		return
	}
	for _, ev := range events {
		t.onPlaying.emit(ev)
	}
}

func (t *Transport) onReadError(ev readError) {
	code, reason := websocket.CloseAbnormalClosure, ev.err.Error()
	var ce *websocket.CloseError
	if errors.As(ev.err, &ce) {
		code, reason = ce.Code, ce.Text
	} else if t.state != StateClosing {
		t.recordError(ev.err)
		t.onError.emit(fmt.Errorf("read: %w", ev.err))
	}
	t.dropConn()
	t.handleClose(code, reason)
}

// handleClose runs for every ended or failed connection.
func (t *Transport) handleClose(code int, reason string) {
	t.stopHeartbeat()
	t.connectedSince = time.Time{}
	t.state = StateDisconnected
	ev := CloseEvent{Code: code, Reason: reason}
	t.lastClose = &ev

	if t.shouldClose {
		t.log.Info().Int("code", code).Str("reason", reason).Msg("closed")
		t.onClose.emit(ev)
		return
	}

	t.stop(&t.reconnect)
	t.arm(&t.reconnect, t.cfg.ReconnectInterval, timerReconnect)
	t.log.Info().
		Int("code", code).
		Str("reason", reason).
		Dur("delay", t.cfg.ReconnectInterval).
		Int("attempt", t.retries+1).
		Msg("connection lost, reconnecting")
	t.onReconnecting.emit(ReconnectEvent{
		Attempt: t.retries + 1,
		Delay:   t.cfg.ReconnectInterval,
		Code:    code,
		Reason:  reason,
	})
}

func (t *Transport) closeWith(code int, reason string) {
	if t.shouldClose && t.state == StateDisconnected && t.conn == nil {
		return
	}
	t.shouldClose = true
	t.stop(&t.reconnect)
	t.stopHeartbeat()
	if t.conn != nil {
		t.state = StateClosing
		msg := websocket.FormatCloseMessage(code, reason)
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, t.clock.Now().Add(writeWait)); err != nil {
			t.log.Debug().Err(err).Msg("close frame not sent")
		}
		t.dropConn()
	}
	// Reads and dials still in flight belong to the old generation now.
	t.gen++
	t.handleClose(code, reason)
}

func (t *Transport) dropConn() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *Transport) arm(s *slot, d time.Duration, kind timerKind) {
	t.stop(s)
	t.timerSeq++
	ev := timerEvent{gen: t.gen, kind: kind, seq: t.timerSeq}
	s.seq = ev.seq
	s.timer = t.clock.AfterFunc(d, func() { t.post(ev) })
}

func (t *Transport) stop(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	*s = slot{}
}

func (t *Transport) stopHeartbeat() {
	t.stop(&t.pinger)
	t.stop(&t.awaitPong)
}

func (t *Transport) recordError(err error) {
	t.lastErr = err
	t.lastErrAt = t.clock.Now()
}

func (t *Transport) publishStatus() {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	t.status.State = t.state
	t.status.Generation = t.gen
	t.status.Retries = t.retries
	t.status.PingerArmed = t.pinger.armed()
	t.status.AwaitingPong = t.awaitPong.armed()
	t.status.ReconnectScheduled = t.reconnect.armed()
	t.status.ConnectedSince = t.connectedSince
	if t.lastErr != nil {
		t.status.LastError = t.lastErr.Error()
		t.status.LastErrorAt = t.lastErrAt
	}
	if t.lastClose != nil {
		c := *t.lastClose
		t.status.LastClose = &c
	}
}
