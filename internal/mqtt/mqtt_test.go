package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/processor"
	"github.com/sweeney/plexwatch/internal/session"
)

func testMessage(state string) processor.Message {
	sess := session.New(map[string]any{
		"sessionKey": "12",
		"title":      "Heat",
		"Player":     map[string]any{"state": state},
	})
	sess.PrevState = "paused"
	return processor.Message{
		Payload: state,
		Plex:    plex.PlaySessionState{SessionKey: "12", State: state, RatingKey: "5521", Key: "/library/metadata/5521"},
		Session: sess,
	}
}

func TestFormatPayload(t *testing.T) {
	payload, err := FormatPayload(testMessage("playing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed struct {
		Payload string         `json:"payload"`
		Plex    map[string]any `json:"plex"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Payload != "playing" {
		t.Errorf("unexpected payload: %s", parsed.Payload)
	}
	if parsed.Plex["sessionKey"] != "12" {
		t.Errorf("unexpected plex.sessionKey: %v", parsed.Plex["sessionKey"])
	}
	if parsed.Plex["ratingKey"] != "5521" {
		t.Errorf("unexpected plex.ratingKey: %v", parsed.Plex["ratingKey"])
	}
	if parsed.Session["title"] != "Heat" {
		t.Errorf("unexpected session.title: %v", parsed.Session["title"])
	}
	if parsed.Session["prevState"] != "paused" {
		t.Errorf("unexpected session.prevState: %v", parsed.Session["prevState"])
	}
}

func TestFormatPayloadNilSession(t *testing.T) {
	payload, err := FormatPayload(processor.Message{Payload: "stopped"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if raw["session"] != nil {
		t.Errorf("expected null session, got %v", raw["session"])
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     EventShutdown,
		Reason:    "SIGTERM",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     EventReconnected,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 10, 0, 0, 0, loc),
		Event:     EventHeartbeat,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed SystemPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.System.Timestamp != "2026-02-10T08:00:00Z" {
		t.Errorf("expected UTC timestamp, got %s", parsed.System.Timestamp)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: EventHeartbeat, RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("expected raw payload passthrough, got %s", payload)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	if err := f.Publish(testMessage("playing")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: EventStartup, Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.MessageCount() != 1 {
		t.Errorf("expected 1 message, got %d", f.MessageCount())
	}
	if len(f.Payloads) != 1 {
		t.Errorf("expected 1 payload, got %d", len(f.Payloads))
	}
	if names := f.SystemEventNames(); len(names) != 1 || names[0] != EventStartup {
		t.Errorf("unexpected system events: %v", names)
	}
	if !f.SystemEvents[0].Retained {
		t.Error("expected retained flag to be recorded")
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.Publish(testMessage("playing")); err == nil {
		t.Error("expected publish error")
	}
	if err := f.PublishSystem(SystemEvent{Event: EventHeartbeat}); err == nil {
		t.Error("expected publish system error")
	}
	if f.MessageCount() != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes should not be recorded")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(testMessage("playing"))
	f.PublishSystem(SystemEvent{Event: EventStartup})
	f.Close()
	f.Connected = true

	f.Reset()

	if f.MessageCount() != 0 || len(f.SystemEvents) != 0 || f.Closed || f.IsConnected() {
		t.Error("expected Reset to clear all state")
	}

	if err := f.Publish(testMessage("paused")); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if f.Messages[0].Payload != "paused" {
		t.Errorf("unexpected payload after reset: %s", f.Messages[0].Payload)
	}
}

func TestFakePublisherIsSink(t *testing.T) {
	var sink processor.Sink = NewFakePublisher()
	if err := sink.Publish(testMessage("playing")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// stubToken is a completed paho token.
type stubToken struct {
	err     error
	timeout bool
}

func (t *stubToken) Wait() bool                     { return !t.timeout }
func (t *stubToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *stubToken) Error() error                   { return t.err }
func (t *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// stubClient implements the parts of paho.Client the publisher uses.
type stubClient struct {
	paho.Client

	mu           sync.Mutex
	open         bool
	sent         []published
	publishErr   error
	timeout      bool
	disconnected bool
}

func (c *stubClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *stubClient) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *stubClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &stubToken{err: c.publishErr, timeout: c.timeout}
}

func (c *stubClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *stubClient) Sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.sent...)
}

func TestRealPublisherPublish(t *testing.T) {
	client := &stubClient{open: true}
	p := newPublisher(client, Options{}, zerolog.Nop())

	if err := p.Publish(testMessage("playing")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Event: EventStartup, Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := client.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(sent))
	}
	if sent[0].topic != DefaultTopic || sent[0].qos != 0 || sent[0].retained {
		t.Errorf("unexpected event publish: %+v", sent[0])
	}
	if sent[1].topic != DefaultSystemTopic || sent[1].qos != 1 || !sent[1].retained {
		t.Errorf("unexpected system publish: %+v", sent[1])
	}
	if !p.IsConnected() {
		t.Error("expected IsConnected=true")
	}
}

func TestRealPublisherErrors(t *testing.T) {
	client := &stubClient{open: true, publishErr: errors.New("not authorised")}
	p := newPublisher(client, Options{}, zerolog.Nop())
	if err := p.Publish(testMessage("playing")); err == nil {
		t.Error("expected publish error")
	}

	client = &stubClient{open: true, timeout: true}
	p = newPublisher(client, Options{}, zerolog.Nop())
	if err := p.Publish(testMessage("playing")); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("expected ErrPublishTimeout, got %v", err)
	}
}

func TestRealPublisherBuffersWhileDisconnected(t *testing.T) {
	client := &stubClient{open: true}
	p := newPublisher(client, Options{Topic: "t/events", SystemTopic: "t/system", BufferSize: 2}, zerolog.Nop())
	p.handleConnect(client)

	client.setOpen(false)
	for _, state := range []string{"playing", "paused", "stopped"} {
		if err := p.Publish(testMessage(state)); err != nil {
			t.Fatalf("unexpected error while buffering: %v", err)
		}
	}
	if len(client.Sent()) != 0 {
		t.Fatalf("nothing should be sent while disconnected")
	}
	if p.Buffered() != 2 {
		t.Errorf("expected buffer capped at 2, got %d", p.Buffered())
	}
	if p.Dropped() != 1 {
		t.Errorf("expected 1 dropped message, got %d", p.Dropped())
	}

	client.setOpen(true)
	p.handleConnect(client)

	sent := client.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 2 replays and 1 reconnect event, got %d", len(sent))
	}
	for i, want := range []string{"paused", "stopped"} {
		var m map[string]any
		json.Unmarshal(sent[i].payload, &m)
		if sent[i].topic != "t/events" || m["payload"] != want {
			t.Errorf("replay %d: got topic %s payload %v, want %s", i, sent[i].topic, m["payload"], want)
		}
	}
	var sys SystemPayload
	json.Unmarshal(sent[2].payload, &sys)
	if sent[2].topic != "t/system" || sys.System.Event != EventReconnected {
		t.Errorf("expected RECONNECTED on system topic, got %s %s", sent[2].topic, sent[2].payload)
	}
	if p.Buffered() != 0 {
		t.Errorf("expected empty buffer after replay, got %d", p.Buffered())
	}
}

func TestRealPublisherFirstConnectIsNotReconnect(t *testing.T) {
	client := &stubClient{open: true}
	p := newPublisher(client, Options{}, zerolog.Nop())
	p.handleConnect(client)

	if len(client.Sent()) != 0 {
		t.Errorf("first connect should not publish, got %d messages", len(client.Sent()))
	}
}

func TestRealPublisherClose(t *testing.T) {
	client := &stubClient{}
	p := newPublisher(client, Options{}, zerolog.Nop())
	p.Close()
	if !client.disconnected {
		t.Error("expected Disconnect to be called")
	}
}
