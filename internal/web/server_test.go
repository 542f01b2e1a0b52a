package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/processor"
	"github.com/sweeney/plexwatch/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *prometheus.Registry) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		PlexAddress:         "ws://192.168.1.50:32400/:/websockets/notifications",
		PingIntervalMs:      10000,
		PongTimeoutMs:       5000,
		ReconnectIntervalMs: 5000,
		Filters:             2,
		HeartbeatMs:         900000,
		Broker:              "tcp://192.168.1.200:1883",
		HTTPAddr:            ":8080",
	}
	tr := status.NewTracker(start, cfg)
	reg := prometheus.NewRegistry()
	srv := New(":0", tr, reg, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr, reg
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update(plex.Status{State: plex.StateOpen}, processor.Counts{Events: 5, Published: 2}, 3)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Plex.State != "open" {
		t.Errorf("Plex.State: got %q, want open", sj.Status.Plex.State)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.Events != 5 {
		t.Errorf("Counts.Events: got %d, want 5", sj.Status.Counts.Events)
	}
	if sj.Status.Counts.Published != 2 {
		t.Errorf("Counts.Published: got %d, want 2", sj.Status.Counts.Published)
	}
	if sj.Status.Sessions.Cached != 3 {
		t.Errorf("Sessions.Cached: got %d, want 3", sj.Status.Sessions.Cached)
	}
	if sj.Status.Config.PingIntervalMs != 10000 {
		t.Errorf("Config.PingIntervalMs: got %d, want 10000", sj.Status.Config.PingIntervalMs)
	}
	if sj.Status.Config.Filters != 2 {
		t.Errorf("Config.Filters: got %d, want 2", sj.Status.Config.Filters)
	}
}

func TestJSONBeforeConnect(t *testing.T) {
	ts, _, _ := newTestServer(t)

	sj := getJSON(t, ts.URL+"/index.json")

	if sj.Status.Ready {
		t.Error("expected Ready=false before the socket opens")
	}
	if sj.Status.Plex.State != "disconnected" {
		t.Errorf("Plex.State: got %q, want disconnected", sj.Status.Plex.State)
	}
	if sj.Status.Plex.Address != "ws://192.168.1.50:32400/:/websockets/notifications" {
		t.Errorf("Plex.Address should fall back to config, got %q", sj.Status.Plex.Address)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update(plex.Status{
		State:     plex.StateOpen,
		LastClose: &plex.CloseEvent{Code: 1006, Reason: "abnormal closure"},
	}, processor.Counts{Matched: 7}, 1)
	tr.RecordUnauthorized()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`id="plex-state" class="connected">open`,
		"1006 abnormal closure",
		"<th>Unauthorized</th>",
		"<th>Matched</th><td>7</td>",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected body to contain %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, reg := newTestServer(t)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "plexwatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "plexwatch_test_total 3") {
		t.Errorf("expected counter in exposition, got:\n%s", body)
	}
}

func TestMetricsDisabledWithoutGatherer(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	ts := httptest.NewServer(New(":0", tr, nil, zerolog.Nop()).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestPostNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/index.json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr, _ := newTestServer(t)

	sj1 := getJSON(t, ts.URL+"/index.json")
	if sj1.Status.Ready {
		t.Error("expected Ready=false initially")
	}

	tr.Update(plex.Status{State: plex.StateAwaitingPong, Retries: 0}, processor.Counts{Duplicates: 1}, 0)
	tr.SetMQTTConnected(true)
	tr.RecordReconnect()

	sj2 := getJSON(t, ts.URL+"/index.json")
	if !sj2.Status.Ready {
		t.Error("expected Ready=true while awaiting pong")
	}
	if sj2.Status.Counts.Duplicates != 1 {
		t.Errorf("Counts.Duplicates: got %d, want 1", sj2.Status.Counts.Duplicates)
	}
	if sj2.Status.Plex.Reconnects != 1 {
		t.Errorf("Plex.Reconnects: got %d, want 1", sj2.Status.Plex.Reconnects)
	}
	if !sj2.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 7*time.Second, "2h 0m 7s"},
		{26*time.Hour + 90*time.Second, "1d 2h 1m 30s"},
		{1500 * time.Millisecond, "1s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}
