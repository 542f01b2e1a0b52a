package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/sweeney/plexwatch/internal/logic"
	"github.com/sweeney/plexwatch/internal/metrics"
	"github.com/sweeney/plexwatch/internal/mqtt"
	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/processor"
	"github.com/sweeney/plexwatch/internal/session"
	"github.com/sweeney/plexwatch/internal/status"
	"github.com/sweeney/plexwatch/internal/web"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// playing builds a single-entry "playing" notification frame.
func playing(sessionKey, state string) string {
	return fmt.Sprintf(`{"NotificationContainer":{"type":"playing","size":1,"PlaySessionStateNotification":[`+
		`{"sessionKey":%q,"ratingKey":"5521","key":"/library/metadata/5521","viewOffset":1000,"state":%q}]}}`,
		sessionKey, state)
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: "+format, args...)
		}
		time.Sleep(time.Millisecond)
	}
}

type pipeline struct {
	transport *plex.Transport
	dialer    *plex.FakeDialer
	clock     *plex.FakeClock
	proc      *processor.Processor
	publisher *mqtt.FakePublisher
	registry  *prometheus.Registry
	tm        *metrics.TransportMetrics
}

// startPipeline wires transport -> processor -> publisher the way the daemon
// does and runs both loops until the test ends.
func startPipeline(t *testing.T, store session.Store, filters []logic.FilterSpec) *pipeline {
	t.Helper()
	cfg := plex.DefaultConfig()
	cfg.Host = "plex.lan"
	cfg.Token = "tok"

	p := &pipeline{
		dialer:    plex.NewFakeDialer(),
		clock:     plex.NewFakeClock(epoch),
		publisher: mqtt.NewFakePublisher(),
		registry:  prometheus.NewRegistry(),
	}
	p.transport = plex.New(cfg, plex.WithDialer(p.dialer), plex.WithClock(p.clock), plex.WithLogger(zerolog.Nop()))

	tm, err := metrics.NewTransportMetrics(p.registry)
	if err != nil {
		t.Fatalf("transport metrics: %v", err)
	}
	tm.Subscribe(p.transport)
	p.tm = tm
	pm, err := metrics.NewProcessorMetrics(p.registry)
	if err != nil {
		t.Fatalf("processor metrics: %v", err)
	}

	p.proc = processor.New(store, p.publisher, filters, processor.WithRecorder(pm))
	p.proc.Subscribe(p.transport)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := p.transport.Run(ctx); err != nil {
			t.Errorf("transport: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := p.proc.Run(ctx); err != nil {
			t.Errorf("processor: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return p
}

// conn waits for the i-th successful dial.
func (p *pipeline) conn(t *testing.T, i int) *plex.FakeConn {
	t.Helper()
	var c *plex.FakeConn
	eventually(t, func() bool {
		c = p.dialer.Conn(i)
		return c != nil && p.transport.Status().Connected()
	}, "connection %d", i)
	return c
}

// send delivers a frame and waits until the processor has resolved it.
func (p *pipeline) send(t *testing.T, c *plex.FakeConn, frame string) {
	t.Helper()
	before := p.proc.Counts()
	c.SendText(frame)
	eventually(t, func() bool {
		n := p.proc.Counts()
		return resolved(n) > resolved(before)
	}, "frame not resolved: %s", frame)
}

// resolved counts events whose handling is finished, apart from pruning.
func resolved(c processor.Counts) uint64 {
	return c.FetchFailures + c.Unresolved + c.Duplicates + c.Filtered + c.Published + c.PublishFailed
}

func payloadOf(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	return m
}

// TestIntegrationPlaybackLifecycle follows one session from playing to
// stopped through the whole pipeline.
func TestIntegrationPlaybackLifecycle(t *testing.T) {
	store := session.NewFakeStore(session.New(map[string]any{
		"sessionKey": "12",
		"title":      "Heat",
		"User":       map[string]any{"title": "alex"},
	}))
	p := startPipeline(t, store, []logic.FilterSpec{
		{Key: "User.title", Value: "alex", ValueType: logic.TypeString, Operator: logic.OpEq},
	})
	c := p.conn(t, 0)

	p.send(t, c, playing("12", "playing"))
	p.send(t, c, playing("12", "playing")) // duplicate
	p.send(t, c, playing("12", "paused"))
	p.send(t, c, playing("12", "stopped"))
	eventually(t, func() bool { return p.proc.Counts().Removed == 1 }, "stopped session removed")

	counts := p.proc.Counts()
	if counts.Events != 4 {
		t.Errorf("expected 4 events, got %d", counts.Events)
	}
	if counts.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", counts.Duplicates)
	}
	if counts.Published != 3 {
		t.Errorf("expected 3 published, got %d", counts.Published)
	}
	if counts.Removed != 1 {
		t.Errorf("expected 1 removed, got %d", counts.Removed)
	}

	if p.publisher.MessageCount() != 3 {
		t.Fatalf("expected 3 messages, got %d", p.publisher.MessageCount())
	}
	wantStates := []string{"playing", "paused", "stopped"}
	wantPrev := []any{nil, "playing", "paused"}
	for i, raw := range p.publisher.Payloads {
		m := payloadOf(t, raw)
		if m["payload"] != wantStates[i] {
			t.Errorf("message %d: payload got %v, want %s", i, m["payload"], wantStates[i])
		}
		plexPart := m["plex"].(map[string]any)
		if plexPart["sessionKey"] != "12" {
			t.Errorf("message %d: plex.sessionKey got %v", i, plexPart["sessionKey"])
		}
		sess := m["session"].(map[string]any)
		if sess["title"] != "Heat" {
			t.Errorf("message %d: session.title got %v", i, sess["title"])
		}
		if sess["prevState"] != wantPrev[i] {
			t.Errorf("message %d: session.prevState got %v, want %v", i, sess["prevState"], wantPrev[i])
		}
	}

	if _, ok := store.Get("12"); ok {
		t.Error("expected stopped session to be removed from the store")
	}

	if got := testutil.ToFloat64(p.tm.PlayingEvents.WithLabelValues("playing")); got != 2 {
		t.Errorf("playing events metric: got %v, want 2", got)
	}
}

// TestIntegrationFilteredSessionStillTracked verifies a filtered session is
// not published but its state is remembered.
func TestIntegrationFilteredSessionStillTracked(t *testing.T) {
	store := session.NewFakeStore(session.New(map[string]any{
		"sessionKey": "7",
		"User":       map[string]any{"title": "guest"},
	}))
	p := startPipeline(t, store, []logic.FilterSpec{
		{Key: "User.title", Value: "guest", ValueType: logic.TypeString, Operator: logic.OpNeq},
	})
	c := p.conn(t, 0)

	p.send(t, c, playing("7", "playing"))
	p.send(t, c, playing("7", "playing"))

	counts := p.proc.Counts()
	if counts.Filtered != 1 || counts.Duplicates != 1 {
		t.Errorf("expected 1 filtered and 1 duplicate, got %+v", counts)
	}
	if p.publisher.MessageCount() != 0 {
		t.Errorf("expected no messages, got %d", p.publisher.MessageCount())
	}
}

// TestIntegrationPublishFailureDoesNotCrash verifies the pipeline keeps
// running when the sink fails.
func TestIntegrationPublishFailureDoesNotCrash(t *testing.T) {
	store := session.NewFakeStore(session.New(map[string]any{"sessionKey": "12"}))
	p := startPipeline(t, store, nil)
	p.publisher.PublishError = errors.New("broker unavailable")
	c := p.conn(t, 0)

	p.send(t, c, playing("12", "playing"))

	if got := p.proc.Counts().PublishFailed; got != 1 {
		t.Errorf("expected 1 publish failure, got %d", got)
	}

	p.publisher.Reset()
	p.send(t, c, playing("12", "paused"))
	if p.publisher.MessageCount() != 1 {
		t.Errorf("expected publishing to resume, got %d messages", p.publisher.MessageCount())
	}
}

// TestIntegrationReconnectResumesStream drops the socket and checks that
// events flow again on the new connection.
func TestIntegrationReconnectResumesStream(t *testing.T) {
	store := session.NewFakeStore(session.New(map[string]any{"sessionKey": "12"}))
	p := startPipeline(t, store, nil)
	tracker := status.NewTracker(epoch, status.Config{})
	p.transport.OnReconnecting(func(plex.ReconnectEvent) { tracker.RecordReconnect() })

	first := p.conn(t, 0)
	p.send(t, first, playing("12", "playing"))

	first.Drop(1011, "server restart")
	eventually(t, func() bool { return p.transport.Status().ReconnectScheduled }, "reconnect scheduled")
	p.clock.Advance(plex.DefaultReconnectInterval)

	second := p.conn(t, 1)
	p.send(t, second, playing("12", "paused"))

	if p.publisher.MessageCount() != 2 {
		t.Errorf("expected 2 messages across reconnect, got %d", p.publisher.MessageCount())
	}
	if got := tracker.Snapshot().Alerts.Reconnects; got != 1 {
		t.Errorf("expected 1 reconnect, got %d", got)
	}
	if got := testutil.ToFloat64(p.tm.Disconnects.WithLabelValues("1011")); got != 1 {
		t.Errorf("disconnects metric: got %v, want 1", got)
	}
}

// TestIntegrationHTTPSessionStore resolves sessions through the HTTP store
// and reports the result on the status server.
func TestIntegrationHTTPSessionStore(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "http://plex.lan:32400/status/sessions",
		httpmock.NewStringResponder(http.StatusOK, `{"MediaContainer":{"size":1,"Metadata":[
			{"sessionKey":"12","title":"Heat","Player":{"state":"playing","title":"Living Room"}}
		]}}`))
	store, err := session.NewHTTPStore(session.Config{BaseURL: "http://plex.lan:32400", Token: "tok"},
		session.WithHTTPClient(&http.Client{Transport: mock}))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	p := startPipeline(t, store, []logic.FilterSpec{
		{Key: "Player.title", Value: "Living Room", ValueType: logic.TypeString, Operator: logic.OpEq},
	})
	c := p.conn(t, 0)

	p.send(t, c, playing("12", "playing"))
	p.send(t, c, playing("99", "playing")) // unknown to the server

	counts := p.proc.Counts()
	if counts.Published != 1 || counts.Unresolved != 1 {
		t.Errorf("expected 1 published and 1 unresolved, got %+v", counts)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 cached session, got %d", store.Len())
	}

	tracker := status.NewTracker(epoch, status.Config{PlexAddress: p.transport.Status().Address})
	tracker.Update(p.transport.Status(), counts, store.Len())
	srv := httptest.NewServer(web.New(":0", tracker, p.registry, zerolog.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !sj.Status.Ready {
		t.Error("expected ready status while connected")
	}
	if sj.Status.Counts.Published != 1 {
		t.Errorf("status published: got %d, want 1", sj.Status.Counts.Published)
	}
	if sj.Status.Sessions.Cached != 1 {
		t.Errorf("status cached sessions: got %d, want 1", sj.Status.Sessions.Cached)
	}
}

// TestIntegrationStatusEventPayload checks the system event a daemon
// publishes carries the pipeline's state.
func TestIntegrationStatusEventPayload(t *testing.T) {
	store := session.NewFakeStore(session.New(map[string]any{"sessionKey": "12"}))
	p := startPipeline(t, store, nil)
	c := p.conn(t, 0)
	p.send(t, c, playing("12", "playing"))

	tracker := status.NewTracker(epoch, status.Config{Broker: "tcp://localhost:1883"})
	tracker.Update(p.transport.Status(), p.proc.Counts(), 1)
	snap := tracker.Snapshot()

	if err := p.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventHeartbeat,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventHeartbeat, ""),
	}); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(p.publisher.SystemPayloads[0], &sj); err != nil {
		t.Fatalf("invalid heartbeat payload: %v", err)
	}
	if sj.Status.Event != "HEARTBEAT" {
		t.Errorf("event: got %q, want HEARTBEAT", sj.Status.Event)
	}
	if sj.Status.Plex.State != "awaiting_pong" && sj.Status.Plex.State != "open" {
		t.Errorf("unexpected plex state %q", sj.Status.Plex.State)
	}
	if sj.Status.Counts.Published != 1 {
		t.Errorf("published: got %d, want 1", sj.Status.Counts.Published)
	}
}
