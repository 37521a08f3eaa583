package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reportwatch/internal/event"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"
	"reportwatch/internal/registry"
	"reportwatch/internal/watcher"

	"github.com/gorilla/websocket"
)

type stubWatcher struct {
	path string
}

func (watcher stubWatcher) Path() string { return watcher.path }

func (watcher stubWatcher) State() registry.State { return registry.StateWatching }

type stubSource struct {
	metrics watcher.Metrics
}

func (source stubSource) Metrics() watcher.Metrics { return source.metrics }

type fixture struct {
	server   *httptest.Server
	registry *registry.Registry
	metrics  *metrics.Registry
	bus      *event.Bus[event.WatcherEvent]
	logger   *logging.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.New(),
		metrics:  &metrics.Registry{},
		logger:   logging.NewLoggerWithOutput(logging.NewLogBuffer(32), logging.LevelDebug, io.Discard),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.bus = event.NewBus[event.WatcherEvent](ctx, event.BusOptions{Name: "test", HistorySize: 8})

	status := NewServer(Options{
		Root:     "report",
		Registry: f.registry,
		Metrics:  f.metrics,
		Source:   stubSource{metrics: watcher.Metrics{ActiveWatches: 3, Subscriptions: 2}},
		Events:   f.bus,
		Logger:   f.logger,
	})
	f.server = httptest.NewServer(status.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, string(body)
}

func TestHealthReportsLiveWatchers(t *testing.T) {
	f := newFixture(t)
	f.registry.Claim("report/a101", func() registry.Watcher { return stubWatcher{path: "report/a101"} })

	resp, body := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != cacheControlNoStore {
		t.Fatalf("expected no-store cache header, got %q", resp.Header.Get("Cache-Control"))
	}
	var health healthResponse
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.LiveWatchers != 1 || health.Root != "report" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/healthz", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != "GET" {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
}

func TestMetricsIncludeCountersAndGauges(t *testing.T) {
	f := newFixture(t)
	f.metrics.IncWatcherStarted()
	f.metrics.RecordDispatch(metrics.OutcomeSuccess, 20*time.Millisecond)
	f.registry.Claim("report/a101", func() registry.Watcher { return stubWatcher{path: "report/a101"} })

	resp, body := f.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	for _, want := range []string{
		"reportwatch_watchers_started_total 1",
		"reportwatch_live_watchers 1",
		"reportwatch_source_watched_directories 3",
		"reportwatch_source_subscriptions 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestWatchersListsRegistrySnapshot(t *testing.T) {
	f := newFixture(t)
	live := stubWatcher{path: "report/b"}
	done := stubWatcher{path: "report/a"}
	f.registry.Claim(live.path, func() registry.Watcher { return live })
	f.registry.Claim(done.path, func() registry.Watcher { return done })
	if err := f.registry.Finish(done.path, done, true); err != nil {
		t.Fatalf("finish: %v", err)
	}

	_, body := f.get(t, "/api/watchers")
	var response struct {
		Live    int `json:"live"`
		Entries []struct {
			Path      string `json:"path"`
			State     string `json:"state"`
			Completed bool   `json:"completed"`
		} `json:"entries"`
	}
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("decode watchers: %v", err)
	}
	if response.Live != 1 || len(response.Entries) != 2 {
		t.Fatalf("unexpected response %+v", response)
	}
	if response.Entries[0].Path != "report/a" || !response.Entries[0].Completed {
		t.Fatalf("expected tombstone first, got %+v", response.Entries[0])
	}
	if response.Entries[1].State != string(registry.StateWatching) {
		t.Fatalf("expected live watcher state, got %+v", response.Entries[1])
	}
}

func TestLogsFilterByLevelAndLimit(t *testing.T) {
	f := newFixture(t)
	f.logger.Debug("noise", nil)
	f.logger.Warn("first warning", nil)
	f.logger.Error("failure", nil)
	f.logger.Warn("second warning", nil)

	_, body := f.get(t, "/api/logs?level=warning&limit=2")
	var entries []logging.LogEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "failure" || entries[1].Message != "second warning" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLogsRejectInvalidQuery(t *testing.T) {
	f := newFixture(t)
	for _, query := range []string{"limit=0", "limit=abc", "level=loud", "since=yesterday"} {
		resp, body := f.get(t, "/api/logs?"+query)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.StatusCode)
		}
		if !strings.Contains(body, "invalid") {
			t.Fatalf("%s: expected error body, got %q", query, body)
		}
	}
}

func dialEvents(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, bus *event.Bus[event.WatcherEvent], want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEventPayload {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var payload wsEventPayload
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return payload
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	f := newFixture(t)
	conn := dialEvents(t, f, "")
	waitForSubscribers(t, f.bus, 1)

	dispatched := event.NewWatcherEvent(event.TypeDispatched, "report/a101")
	dispatched.StatusCode = http.StatusOK
	f.bus.Publish(dispatched)

	payload := readEvent(t, conn)
	if payload.Type != event.TypeDispatched || payload.Path != "report/a101" || payload.StatusCode != http.StatusOK {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestEventStreamReplaysHistoryAndFiltersPath(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(event.NewWatcherEvent(event.TypeWatcherStarted, "report/a101"))
	f.bus.Publish(event.NewWatcherEvent(event.TypeWatcherStarted, "report/a102"))

	conn := dialEvents(t, f, "?history=5&path=report/a102")
	payload := readEvent(t, conn)
	if payload.Path != "report/a102" || payload.Type != event.TypeWatcherStarted {
		t.Fatalf("unexpected replay %+v", payload)
	}

	waitForSubscribers(t, f.bus, 1)
	f.bus.Publish(event.NewWatcherEvent(event.TypeEvaluated, "report/a101"))
	f.bus.Publish(event.NewWatcherEvent(event.TypeEvaluated, "report/a102"))
	payload = readEvent(t, conn)
	if payload.Path != "report/a102" || payload.Type != event.TypeEvaluated {
		t.Fatalf("expected filtered live event, got %+v", payload)
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/events"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestEventStreamRejectsInvalidHistory(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/ws/events?history=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServeStopsWhenContextIsCancelled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := NewServer(Options{Metrics: &metrics.Registry{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to stop")
	}
}
