package plex

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Control is a control frame written through a FakeConn.
type Control struct {
	Type int
	Data []byte
}

type inbound struct {
	messageType int
	data        []byte
	err         error
}

// FakeConn is an in-memory connection driven by the test.
type FakeConn struct {
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	pingHandler func(string) error
	pongHandler func(string) error
	controls    []Control

	// Written receives the type of every control frame written.
	Written chan int

	// WriteErr, if set, is returned by WriteControl.
	WriteErr error
}

// NewFakeConn creates an open FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		in:      make(chan inbound, 64),
		closed:  make(chan struct{}),
		Written: make(chan int, 64),
	}
}

// ReadMessage returns queued frames. Ping and pong frames are passed to the
// registered handlers, as gorilla/websocket does.
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	for {
		select {
		case <-c.closed:
			return 0, nil, net.ErrClosed
		case m := <-c.in:
			if m.err != nil {
				return 0, nil, m.err
			}
			c.mu.Lock()
			ping, pong := c.pingHandler, c.pongHandler
			c.mu.Unlock()
			switch m.messageType {
			case websocket.PingMessage:
				if ping != nil {
					ping(string(m.data))
				}
				continue
			case websocket.PongMessage:
				if pong != nil {
					pong(string(m.data))
				}
				continue
			}
			return m.messageType, m.data, nil
		}
	}
}

// WriteControl records the frame.
func (c *FakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.mu.Lock()
	c.controls = append(c.controls, Control{Type: messageType, Data: append([]byte(nil), data...)})
	c.mu.Unlock()
	select {
	case c.Written <- messageType:
	default:
	}
	return nil
}

func (c *FakeConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	c.pingHandler = h
	c.mu.Unlock()
}

func (c *FakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

// Close unblocks ReadMessage with net.ErrClosed.
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendText queues a text frame.
func (c *FakeConn) SendText(data string) {
	c.in <- inbound{messageType: websocket.TextMessage, data: []byte(data)}
}

// ServerPing queues a ping from the server.
func (c *FakeConn) ServerPing(data string) {
	c.in <- inbound{messageType: websocket.PingMessage, data: []byte(data)}
}

// ServerPong queues a pong reply from the server.
func (c *FakeConn) ServerPong() {
	c.in <- inbound{messageType: websocket.PongMessage}
}

// Drop ends the connection with a close frame from the server.
func (c *FakeConn) Drop(code int, text string) {
	c.in <- inbound{err: &websocket.CloseError{Code: code, Text: text}}
}

// Fail ends the connection with a read error.
func (c *FakeConn) Fail(err error) {
	c.in <- inbound{err: err}
}

// Controls returns the control frames written so far.
func (c *FakeConn) Controls() []Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Control(nil), c.controls...)
}

// DialResult scripts the outcome of one FakeDialer dial.
type DialResult struct {
	Conn     *FakeConn
	Response *http.Response
	Err      error
}

// FakeDialer returns scripted results. Once the script runs out every dial
// succeeds with a fresh FakeConn.
type FakeDialer struct {
	mu      sync.Mutex
	script  []DialResult
	urls    []string
	headers []http.Header
	conns   []*FakeConn

	// Dials receives the URL of every dial attempt.
	Dials chan string
}

// NewFakeDialer creates a FakeDialer with an optional script.
func NewFakeDialer(script ...DialResult) *FakeDialer {
	return &FakeDialer{script: script, Dials: make(chan string, 64)}
}

// Push appends results to the script.
func (d *FakeDialer) Push(results ...DialResult) {
	d.mu.Lock()
	d.script = append(d.script, results...)
	d.mu.Unlock()
}

func (d *FakeDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, *http.Response, error) {
	d.mu.Lock()
	var res DialResult
	if len(d.script) > 0 {
		res, d.script = d.script[0], d.script[1:]
	}
	if res.Err == nil && res.Conn == nil {
		res.Conn = NewFakeConn()
	}
	d.urls = append(d.urls, urlStr)
	d.headers = append(d.headers, header.Clone())
	if res.Err == nil {
		d.conns = append(d.conns, res.Conn)
	}
	d.mu.Unlock()

	select {
	case d.Dials <- urlStr:
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if res.Err != nil {
		return nil, res.Response, res.Err
	}
	return res.Conn, nil, nil
}

// DialCount returns the number of dial attempts.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Header returns the handshake header of dial i.
func (d *FakeDialer) Header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// Conn returns the i-th successfully dialed connection.
func (d *FakeDialer) Conn(i int) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *FakeClock
	at      time.Time
	fn      func()
	stopped bool
}

// NewFakeClock creates a FakeClock starting at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// ErrFakeDial is a convenience dial error for tests.
var ErrFakeDial = errors.New("fake dial failure")
