// Package processor turns playing events into filtered, deduplicated
// downstream messages.
//
// Session fetches for different sessions run concurrently. Events for the
// same session are fetched one after another in arrival order. Everything
// that follows a fetch (dedupe, filtering, publishing, prevState updates and
// pruning) runs on the goroutine calling Run, one event at a time.
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sweeney/plexwatch/internal/logic"
	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/session"
)

// StateStopped ends a session.
const StateStopped = "stopped"

const queueSize = 256

var ErrAlreadyRunning = errors.New("processor: already running")

// Message is emitted downstream for every matching state change.
type Message struct {
	Payload string                `json:"payload"`
	Plex    plex.PlaySessionState `json:"plex"`
	Session *session.Session      `json:"session"`
}

// Sink receives matching messages.
type Sink interface {
	Publish(Message) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Message) error

func (f SinkFunc) Publish(m Message) error { return f(m) }

// PlayingSource is anything that emits playing events, normally a
// *plex.Transport.
type PlayingSource interface {
	OnPlaying(func(plex.PlayingEvent))
}

type fetched struct {
	ev   plex.PlayingEvent
	sess *session.Session
	err  error
}

// Processor resolves playing events against the session store.
type Processor struct {
	store   session.Store
	sink    Sink
	filters []logic.FilterSpec
	rec     Recorder
	log     zerolog.Logger

	events  chan plex.PlayingEvent
	results chan fetched
	done    chan struct{}
	running atomic.Bool

	mu     sync.Mutex
	counts Counts
}

// Option configures a Processor.
type Option func(*Processor)

// WithRecorder adds a Recorder that sees every outcome.
func WithRecorder(r Recorder) Option {
	return func(p *Processor) { p.rec = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.log = l.With().Str("component", "processor").Logger() }
}

// New creates a Processor. Filters are applied in idx order.
func New(store session.Store, sink Sink, filters []logic.FilterSpec, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		sink:    sink,
		filters: logic.Sorted(filters),
		rec:     nopRecorder{},
		log:     zerolog.Nop(),
		events:  make(chan plex.PlayingEvent, queueSize),
		results: make(chan fetched),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Filters returns the filter chain in evaluation order.
func (p *Processor) Filters() []logic.FilterSpec {
	return append([]logic.FilterSpec(nil), p.filters...)
}

// Subscribe registers the processor for src's playing events.
func (p *Processor) Subscribe(src PlayingSource) {
	src.OnPlaying(p.HandlePlaying)
}

// HandlePlaying queues ev for Run. It returns without queueing once Run has
// exited.
func (p *Processor) HandlePlaying(ev plex.PlayingEvent) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Run processes queued events until ctx is cancelled. In-flight fetches are
// abandoned on cancellation.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	fetch := func(ev plex.PlayingEvent) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := p.store.Fetch(ctx, ev.Notification.SessionKey)
			select {
			case p.results <- fetched{ev: ev, sess: sess, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	// waiting holds, per session key with a fetch in flight, the events
	// that arrived behind it.
	waiting := make(map[string][]plex.PlayingEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			p.observe(OutcomeEvent)
			key := ev.Notification.SessionKey
			if queued, busy := waiting[key]; busy {
				waiting[key] = append(queued, ev)
				continue
			}
			waiting[key] = nil
			fetch(ev)
		case f := <-p.results:
			p.resolve(f)
			key := f.ev.Notification.SessionKey
			queued := waiting[key]
			if len(queued) == 0 {
				delete(waiting, key)
				continue
			}
			waiting[key] = queued[1:]
			fetch(queued[0])
		}
	}
}

// Process fetches and resolves ev synchronously. It must not be used while
// Run is active.
func (p *Processor) Process(ctx context.Context, ev plex.PlayingEvent) {
	p.observe(OutcomeEvent)
	sess, err := p.store.Fetch(ctx, ev.Notification.SessionKey)
	p.resolve(fetched{ev: ev, sess: sess, err: err})
}

func (p *Processor) resolve(f fetched) {
	key, state := f.ev.Notification.SessionKey, f.ev.State
	log := p.log.With().Str("session", key).Str("state", state).Logger()

	if f.err != nil {
		log.Warn().Err(f.err).Msg("session fetch failed")
		p.observe(OutcomeFetchFailed)
		return
	}

	switch sess := f.sess; {
	case sess == nil:
		log.Debug().Msg("session not found")
		p.observe(OutcomeUnresolved)
	case sess.PrevState == state:
		p.observe(OutcomeDuplicate)
	default:
		if logic.Matches(sess.Record(), p.filters) {
			p.observe(OutcomeMatched)
			p.publish(log, Message{Payload: state, Plex: f.ev.Notification, Session: sess})
		} else {
			log.Debug().Msg("filtered")
			p.observe(OutcomeFiltered)
		}
		sess.PrevState = state
	}

	if state == StateStopped {
		p.store.Delete(key)
		log.Debug().Msg("session removed")
		p.observe(OutcomeRemoved)
	}
}

func (p *Processor) publish(log zerolog.Logger, msg Message) {
	if err := p.sink.Publish(msg); err != nil {
		log.Warn().Err(err).Msg("publish error")
		p.observe(OutcomePublishFailed)
		return
	}
	log.Info().Msg("published")
	p.observe(OutcomePublished)
}

// Counts returns a snapshot of the outcome counters.
func (p *Processor) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

func (p *Processor) observe(o Outcome) {
	p.mu.Lock()
	p.counts.add(o)
	p.mu.Unlock()
	p.rec.Observe(o)
}
