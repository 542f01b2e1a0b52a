package plex

import "sync"

// signal is a list of listeners for one event kind. Listeners run in
// registration order on the emitting goroutine.
type signal[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

func (s *signal[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

func (s *signal[T]) emit(v T) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(v)
	}
}

// The registration methods below may be called at any time, including from
// inside a listener. Listeners run on the transport goroutine and must not
// block; hand work off to another goroutine if it can.

// OnOpen registers fn for successful connections.
func (t *Transport) OnOpen(fn func()) {
	if fn != nil {
		t.onOpen.add(func(struct{}) { fn() })
	}
}

// OnPlaying registers fn for each session entry of a playing notification.
func (t *Transport) OnPlaying(fn func(PlayingEvent)) { t.onPlaying.add(fn) }

// OnNotification registers fn for every notification container.
func (t *Transport) OnNotification(fn func(NotificationContainer)) { t.onNotification.add(fn) }

// OnMessage registers fn for every successfully parsed frame.
func (t *Transport) OnMessage(fn func(Message)) { t.onMessage.add(fn) }

// OnError registers fn for socket errors, parse failures and malformed
// notifications.
func (t *Transport) OnError(fn func(error)) { t.onError.add(fn) }

// OnUnauthorized registers fn for handshakes rejected with HTTP 401.
func (t *Transport) OnUnauthorized(fn func(UnexpectedResponse)) { t.onUnauthorized.add(fn) }

// OnUnexpectedResponse registers fn for handshakes rejected with any other
// HTTP status.
func (t *Transport) OnUnexpectedResponse(fn func(UnexpectedResponse)) {
	t.onUnexpectedResponse.add(fn)
}

// OnClose registers fn for intentional closes.
func (t *Transport) OnClose(fn func(CloseEvent)) { t.onClose.add(fn) }

// OnPong registers fn for pong replies to our pings.
func (t *Transport) OnPong(fn func()) {
	if fn != nil {
		t.onPong.add(func(struct{}) { fn() })
	}
}

// OnPongTimeout registers fn for pings that went unanswered.
func (t *Transport) OnPongTimeout(fn func()) {
	if fn != nil {
		t.onPongTimeout.add(func(struct{}) { fn() })
	}
}

// OnReconnectMaxRetries registers fn for the attempt that reaches
// Config.MaxRetries.
func (t *Transport) OnReconnectMaxRetries(fn func(retries int)) { t.onMaxRetries.add(fn) }

// OnReconnecting registers fn for every scheduled reconnect.
func (t *Transport) OnReconnecting(fn func(ReconnectEvent)) { t.onReconnecting.add(fn) }
