package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/beatlamp/internal/analysis"
	"github.com/e7canasta/beatlamp/internal/audio"
	"github.com/e7canasta/beatlamp/internal/config"
	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/eventstore"
	"github.com/e7canasta/beatlamp/internal/messaging/mqtttest"
	"github.com/e7canasta/beatlamp/internal/session"
	"github.com/e7canasta/beatlamp/internal/types"
)

// silence is an endless frame source; the loop only ends when stopped.
type silence struct{}

func (silence) Next() ([]float32, int, error) { return []float32{0, 0, 0, 0}, 4, nil }
func (silence) Close() error                  { return nil }

type silenceOpener struct{}

func (silenceOpener) Open(string, int, int) (audio.FrameSource, error) { return silence{}, nil }

type neverDetector struct{}

func (neverDetector) Detect([]float32) bool { return false }

type stubTransport struct {
	mu      sync.Mutex
	calls   []string
	playing bool
	paused  bool
}

func (t *stubTransport) set(call string, playing, paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
	t.playing, t.paused = playing, paused
	return nil
}

func (t *stubTransport) Load(string) error {
	t.mu.Lock()
	t.calls = append(t.calls, "load")
	t.mu.Unlock()
	return nil
}
func (t *stubTransport) Play() error           { return t.set("play", true, false) }
func (t *stubTransport) Pause() error          { return t.set("pause", true, true) }
func (t *stubTransport) Unpause() error        { return t.set("unpause", true, false) }
func (t *stubTransport) Stop() error           { return t.set("stop", false, false) }
func (t *stubTransport) PositionMillis() int64 { return 0 }
func (t *stubTransport) IsBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing && !t.paused
}

func (t *stubTransport) called(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c == name {
			return true
		}
	}
	return false
}

type testApp struct {
	app       *App
	broker    *mqtttest.Broker
	transport *stubTransport
	srv       *httptest.Server
	cancel    context.CancelFunc
	runDone   chan error
}

// stallingClient holds Disconnect until release is closed.
type stallingClient struct {
	mqtt.Client
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *stallingClient) Disconnect(quiesce uint) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	c.Client.Disconnect(quiesce)
}

func newTestApp(t *testing.T, run bool) *testApp {
	t.Helper()
	return newWrappedTestApp(t, run, nil)
}

// newWrappedTestApp is newTestApp with every broker client passed through wrap.
func newWrappedTestApp(t *testing.T, run bool, wrap func(mqtt.Client) mqtt.Client) *testApp {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DataDir = filepath.Join(t.TempDir(), "messages.db")

	ta := &testApp{
		broker:    mqtttest.NewBroker(),
		transport: &stubTransport{},
	}
	factory := ta.broker.Factory()
	if wrap != nil {
		base := factory
		factory = func(o *mqtt.ClientOptions) mqtt.Client { return wrap(base(o)) }
	}
	app, err := New(cfg,
		WithMQTTClientFactory(factory),
		WithTransport(ta.transport),
		WithOpener(silenceOpener{}),
		WithDetector(func() analysis.Detector { return neverDetector{} }),
		WithProbe(func(string) (time.Duration, error) { return 90 * time.Second, nil }),
		WithQueueInterval(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ta.app = app
	ta.srv = httptest.NewServer(app.Handler())
	t.Cleanup(ta.srv.Close)

	if !run {
		t.Cleanup(func() { app.Shutdown(context.Background()) })
		return ta
	}

	ctx, cancel := context.WithCancel(context.Background())
	ta.cancel = cancel
	ta.runDone = make(chan error, 1)
	go func() { ta.runDone <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		app.Shutdown(context.Background())
	})

	waitFor(t, func() bool { return app.HealthCheck().MQTTConnected })
	return ta
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func (ta *testApp) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ta.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ta *testApp) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(ta.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestReadinessBeforeAndAfterRun(t *testing.T) {
	ta := newTestApp(t, false)

	var health HealthStatus
	if code := ta.get(t, "/readiness", &health); code != http.StatusServiceUnavailable {
		t.Errorf("readiness before run = %d, want 503", code)
	}
	if health.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", health.Status)
	}

	var alive map[string]any
	if code := ta.get(t, "/health", &alive); code != http.StatusOK || alive["status"] != "alive" {
		t.Errorf("liveness = %d %v", code, alive)
	}
}

func TestReadinessHealthyWhenConnected(t *testing.T) {
	ta := newTestApp(t, true)

	var health HealthStatus
	if code := ta.get(t, "/readiness", &health); code != http.StatusOK {
		t.Fatalf("readiness = %d", code)
	}
	if health.Status != "healthy" || !health.MQTTConnected || health.Connection != "connected" {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestControlAPIPlaybackCycle(t *testing.T) {
	ta := newTestApp(t, true)

	code, body := ta.post(t, "/api/load", `{"path":"song.mp3"}`)
	if code != http.StatusOK || body["state"] != "loaded" || body["duration_s"] != 90.0 {
		t.Fatalf("load = %d %v", code, body)
	}

	code, body = ta.post(t, "/api/play", "")
	if code != http.StatusOK || body["state"] != "playing" {
		t.Fatalf("play = %d %v", code, body)
	}
	if got := ta.broker.PublishedOn(types.TopicStatus); len(got) != 1 || got[0] != "on" {
		t.Errorf("status publishes = %v, want [on]", got)
	}

	code, body = ta.post(t, "/api/toggle", "")
	if code != http.StatusOK || body["state"] != "paused" || body["button"] != session.LabelContinue {
		t.Fatalf("toggle = %d %v", code, body)
	}

	code, body = ta.post(t, "/api/stop", "")
	if code != http.StatusOK || body["state"] != "stopped" || body["lamp"] != types.NeutralColor {
		t.Fatalf("stop = %d %v", code, body)
	}
	if !ta.transport.called("stop") {
		t.Error("transport was not stopped")
	}

	code, body = ta.post(t, "/api/toggle", "")
	if code != http.StatusConflict {
		t.Errorf("toggle while stopped = %d %v, want 409", code, body)
	}

	var st map[string]any
	if code := ta.get(t, "/api/status", &st); code != http.StatusOK || st["state"] != session.Stopped.String() {
		t.Errorf("status = %d %v", code, st)
	}
}

func TestControlAPIRejectsBadRequests(t *testing.T) {
	ta := newTestApp(t, true)

	if code, _ := ta.post(t, "/api/load", `{`); code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", code)
	}
	if code, _ := ta.post(t, "/api/load", `{}`); code != http.StatusBadRequest {
		t.Errorf("empty path = %d, want 400", code)
	}
	if code, _ := ta.post(t, "/api/play", ""); code != http.StatusConflict {
		t.Errorf("play without song = %d, want 409", code)
	}
	if code := ta.get(t, "/api/messages?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestPlayRefusedWhileDisconnected(t *testing.T) {
	ta := newTestApp(t, true)
	ta.app.mqtt.Disconnect()

	ta.post(t, "/api/load", `{"path":"song.mp3"}`)
	code, body := ta.post(t, "/api/play", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("play while disconnected = %d %v, want 503", code, body)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	ta := newTestApp(t, true)

	ta.broker.Inject(types.TopicStatus, "on")
	ta.broker.Inject(types.TopicColors, "red")
	ta.broker.Inject(types.TopicColors, "blue")
	waitFor(t, func() bool { return ta.app.store.Stats().Written == 3 })

	var all []types.StoredMessageRecord
	if code := ta.get(t, "/api/messages", &all); code != http.StatusOK || len(all) != 3 {
		t.Fatalf("messages = %d %d records", code, len(all))
	}
	for i, rec := range all {
		if rec.ID != uint64(i+1) {
			t.Errorf("record %d id = %d", i, rec.ID)
		}
	}

	var colors []types.StoredMessageRecord
	q := url.Values{"filter": {`topic.endsWith("/colors")`}, "limit": {"1"}}
	if code := ta.get(t, "/api/messages?"+q.Encode(), &colors); code != http.StatusOK {
		t.Fatalf("filtered messages = %d", code)
	}
	if len(colors) != 1 || colors[0].Payload != "red" {
		t.Errorf("filtered = %+v", colors)
	}

	var after []types.StoredMessageRecord
	ta.get(t, "/api/messages?after=2", &after)
	if len(after) != 1 || after[0].Payload != "blue" {
		t.Errorf("after=2 = %+v", after)
	}

	bad := url.Values{"filter": {"id +"}}
	if code := ta.get(t, "/api/messages?"+bad.Encode(), nil); code != http.StatusBadRequest {
		t.Errorf("bad filter = %d, want 400", code)
	}
}

func TestWebSocketFeedForwardsEvents(t *testing.T) {
	ta := newTestApp(t, true)

	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return ta.app.hub.ClientCount() == 1 })

	ta.broker.Inject(types.TopicStatus, "on")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev struct {
			Type    dispatch.Kind `json:"type"`
			Payload any           `json:"payload"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if ev.Type == dispatch.KindRelay {
			if ev.Payload != "on" {
				t.Errorf("relay payload = %v", ev.Payload)
			}
			return
		}
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	ta := newTestApp(t, true)

	ta.post(t, "/api/load", `{"path":"song.mp3"}`)
	if code, body := ta.post(t, "/api/play", ""); code != http.StatusOK {
		t.Fatalf("play = %d %v", code, body)
	}

	ta.cancel()
	select {
	case err := <-ta.runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	if err := ta.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if !ta.transport.called("stop") {
		t.Error("playback not stopped")
	}
	if ta.app.mqtt.IsConnected() {
		t.Error("mqtt still connected")
	}
	if err := ta.app.store.Enqueue("t", "p"); !errors.Is(err, eventstore.ErrClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrClosed", err)
	}
	if err := ta.app.Call(context.Background(), func(*session.Controller) error { return nil }); !errors.Is(err, dispatch.ErrStopped) {
		t.Errorf("Call after shutdown = %v, want ErrStopped", err)
	}
	if code := ta.get(t, "/readiness", nil); code != http.StatusServiceUnavailable {
		t.Errorf("readiness after shutdown = %d, want 503", code)
	}
}

func TestControlAPIClosedOnceShutdownBegins(t *testing.T) {
	stall := &stallingClient{entered: make(chan struct{}), release: make(chan struct{})}
	ta := newWrappedTestApp(t, true, func(c mqtt.Client) mqtt.Client {
		stall.Client = c
		return stall
	})

	if code, body := ta.post(t, "/api/load", `{"path":"song.mp3"}`); code != http.StatusOK {
		t.Fatalf("load = %d %v", code, body)
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- ta.app.Shutdown(context.Background()) }()
	select {
	case <-stall.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never reached the broker disconnect")
	}

	if code, body := ta.post(t, "/api/play", ""); code != http.StatusServiceUnavailable {
		t.Errorf("play during shutdown = %d %v, want 503", code, body)
	}
	if code, _ := ta.post(t, "/api/load", `{"path":"other.mp3"}`); code != http.StatusServiceUnavailable {
		t.Errorf("load during shutdown = %d, want 503", code)
	}
	if ta.transport.called("play") || ta.transport.called("load") {
		t.Error("transport used during shutdown")
	}

	close(stall.release)
	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestMessagesUnavailableAfterShutdown(t *testing.T) {
	ta := newTestApp(t, true)
	ta.broker.Inject(types.TopicStatus, "on")
	waitFor(t, func() bool { return ta.app.store.Stats().Written == 1 })

	if err := ta.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var body map[string]any
	if code := ta.get(t, "/api/messages", &body); code != http.StatusServiceUnavailable {
		t.Errorf("messages after shutdown = %d %v, want 503", code, body)
	}
}

func TestStartServerReportsBindFailure(t *testing.T) {
	ta := newTestApp(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if err := ta.app.StartServer(ln.Addr().String()); err == nil {
		t.Fatal("expected an error for an address already in use")
	}
	if err := ta.app.StartServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartServer on a free port: %v", err)
	}
}
