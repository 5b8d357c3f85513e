package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"changewatch/internal/event"
	"changewatch/internal/logging"
	"changewatch/internal/metrics"
	"changewatch/internal/watcher"
	"changewatch/internal/wire"

	"github.com/gorilla/websocket"
)

var stamp = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func newTestServer(t *testing.T, registry *metrics.Registry) (*event.Bus[watcher.Event], *httptest.Server) {
	t.Helper()
	bus := event.NewBus[watcher.Event](context.Background(), event.BusOptions{Name: "test", Registry: registry})
	server, err := NewServer(bus, Options{Metrics: registry})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return bus, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + EventsPath + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventsDeliversJSONFrames(t *testing.T) {
	bus, srv := newTestServer(t, &metrics.Registry{})
	conn := dial(t, srv, "")

	bus.Publish(watcher.Event{Path: "/d/a.txt", Op: watcher.Create, Timestamp: stamp})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var payload wire.Event
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if payload.Path != "/d/a.txt" || len(payload.Op) != 1 || payload.Op[0] != "CREATE" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEventsDeliversProtoFrames(t *testing.T) {
	bus, srv := newTestServer(t, &metrics.Registry{})
	conn := dial(t, srv, "?format=proto")

	bus.Publish(watcher.Event{Path: "/d/b.txt", Op: watcher.Write, Timestamp: stamp})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", messageType)
	}
	change, err := wire.DecodeProto(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if change.Path != "/d/b.txt" || change.Op != watcher.Write || !change.Timestamp.Equal(stamp) {
		t.Fatalf("unexpected event %+v", change)
	}
}

func TestEventsRejectsUnknownFormat(t *testing.T) {
	_, srv := newTestServer(t, &metrics.Registry{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + EventsPath + "?format=xml"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %v", resp)
	}
}

func TestEventsClosesWhenSourceFinishes(t *testing.T) {
	bus, srv := newTestServer(t, &metrics.Registry{})
	conn := dial(t, srv, "?format=text")

	bus.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := &metrics.Registry{}
	registry.AddWatchesActive(3)
	_, srv := newTestServer(t, registry)

	resp, err := http.Get(srv.URL + MetricsPath)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "changewatch_watches_active 3\n") {
		t.Fatalf("missing gauge in %s", body)
	}

	resp, err = http.Post(srv.URL+MetricsPath, "text/plain", nil)
	if err != nil {
		t.Fatalf("post metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	bus := event.NewBus[watcher.Event](context.Background(), event.BusOptions{})
	server, err := NewServer(bus, Options{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestNewServerRequiresSource(t *testing.T) {
	if _, err := NewServer(nil, Options{}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "http://localhost:8080/events", nil)
	if !isOriginAllowed(request, nil) {
		t.Fatal("expected missing origin to pass")
	}
	request.Header.Set("Origin", "http://localhost:3000")
	if !isOriginAllowed(request, nil) {
		t.Fatal("expected same host origin to pass")
	}
	request.Header.Set("Origin", "http://evil.example")
	if isOriginAllowed(request, nil) {
		t.Fatal("expected foreign origin to fail")
	}
	if !isOriginAllowed(request, []string{"evil.example"}) {
		t.Fatal("expected listed origin to pass")
	}
}

func TestLogsEndpoint(t *testing.T) {
	recent := logging.NewRecent(10)
	logger := logging.NewLoggerWithOutput(recent, logging.LevelDebug, io.Discard)
	logger.Info("started", nil)
	logger.Warn("root dropped", map[string]string{"root": "/gone"})
	logger.Error("read failed", nil)

	bus := event.NewBus[watcher.Event](context.Background(), event.BusOptions{})
	server, err := NewServer(bus, Options{Logger: logger, Metrics: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + LogsPath + "?level=warn&limit=5")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var entries []logging.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "root dropped" || entries[0].Fields["root"] != "/gone" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	bad, err := http.Get(srv.URL + LogsPath + "?level=loud")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}
}
