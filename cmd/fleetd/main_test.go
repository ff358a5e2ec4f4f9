package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stb13579/fleetd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TelemetryDB.Path = filepath.Join(t.TempDir(), "fleet.db")
	// No listeners and no cron in unit tests; the pipeline is driven
	// directly through app.pipeline.Handle.
	cfg.GRPC.Enabled = false
	cfg.MaintenanceSchedule = ""
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *fleetApp {
	t.Helper()
	app, err := newFleetApp(cfg)
	if err != nil {
		t.Fatalf("newFleetApp: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.shutdown(ctx)
	})
	return app
}

func handleTestMessage(app *fleetApp, payload string) {
	app.pipeline.Handle("fleet/test/telemetry", []byte(payload))
}

func getJSON(t *testing.T, app *fleetApp, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	app.httpSrv.Handler().ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestNewFleetApp_IngestReachesEverySurface(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	handleTestMessage(app,
		`{"vehicleId":"veh-1","lat":48.8566,"lng":2.3522,"ts":"2024-01-01T00:00:00.000Z","fuelLevel":82.5,"engineStatus":"running"}`)

	if got := app.cache.Len(); got != 1 {
		t.Fatalf("cache size: got %d, want 1", got)
	}
	if n, err := app.store.EventCount(); err != nil || n != 1 {
		t.Fatalf("event count: got %d err %v, want 1", n, err)
	}

	var stats struct {
		TotalMessages   int64 `json:"totalMessages"`
		InvalidMessages int64 `json:"invalidMessages"`
		VehiclesTracked int   `json:"vehiclesTracked"`
	}
	if code := getJSON(t, app, "/stats", &stats); code != 200 {
		t.Fatalf("/stats status: got %d, want 200", code)
	}
	if stats.TotalMessages != 1 || stats.InvalidMessages != 0 || stats.VehiclesTracked != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	var history struct {
		Events []struct {
			VehicleID  string  `json:"vehicleId"`
			DistanceKm float64 `json:"distanceKm"`
		} `json:"events"`
	}
	if code := getJSON(t, app, "/telemetry/history", &history); code != 200 {
		t.Fatalf("/telemetry/history status: got %d, want 200", code)
	}
	if len(history.Events) != 1 || history.Events[0].VehicleID != "veh-1" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history.Events[0].DistanceKm != 0 {
		t.Fatalf("first event distance: got %v, want 0", history.Events[0].DistanceKm)
	}

	var registry struct {
		Vehicles []struct {
			VehicleID    string `json:"vehicleId"`
			EngineStatus string `json:"engineStatus"`
		} `json:"vehicles"`
	}
	if code := getJSON(t, app, "/vehicles", &registry); code != 200 {
		t.Fatalf("/vehicles status: got %d, want 200", code)
	}
	if len(registry.Vehicles) != 1 || registry.Vehicles[0].VehicleID != "veh-1" {
		t.Fatalf("unexpected registry: %+v", registry)
	}
	if registry.Vehicles[0].EngineStatus != "running" {
		t.Fatalf("registry engine status: got %q, want %q", registry.Vehicles[0].EngineStatus, "running")
	}
}

func TestNewFleetApp_NotReadyWithoutBroker(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	var body map[string]string
	if code := getJSON(t, app, "/readyz", &body); code != 503 {
		t.Fatalf("/readyz status: got %d, want 503", code)
	}
	if body["status"] != "not_ready" {
		t.Fatalf("/readyz body: got %v", body)
	}
	if code := getJSON(t, app, "/healthz", &body); code != 200 {
		t.Fatalf("/healthz status: got %d, want 200", code)
	}
}

func TestNewFleetApp_ExpiryBroadcastsRemoveToStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.VehicleTTLMs = 60000
	app := newTestApp(t, cfg)

	srv := httptest.NewServer(app.httpSrv.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Websocket.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for app.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	handleTestMessage(app,
		`{"vehicleId":"veh-1","lat":48.8566,"lng":2.3522,"ts":"2024-01-01T00:00:00.000Z","fuelLevel":82.5,"engineStatus":"running"}`)

	readFrame := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		return frame
	}

	frame := readFrame()
	if frame["type"] != "vehicle_update" || frame["vehicleId"] != "veh-1" {
		t.Fatalf("expected vehicle_update for veh-1, got %v", frame)
	}

	// Sweep from one TTL past the ingest instant: veh-1 is stale, the wired
	// expiry callback must push a remove frame.
	app.cache.ExpirySweep(time.Now().Add(app.cfg.VehicleTTL() + time.Second))

	frame = readFrame()
	if frame["type"] != "vehicle_remove" || frame["vehicleId"] != "veh-1" {
		t.Fatalf("expected vehicle_remove for veh-1, got %v", frame)
	}
	if got := app.cache.Len(); got != 0 {
		t.Fatalf("cache size after sweep: got %d, want 0", got)
	}
}

func TestRestart_PreservesEventLogAndDistance(t *testing.T) {
	cfg := testConfig(t)

	app1, err := newFleetApp(cfg)
	if err != nil {
		t.Fatalf("newFleetApp: %v", err)
	}
	handleTestMessage(app1,
		`{"vehicleId":"veh-1","lat":48.8566,"lng":2.3522,"ts":"2024-01-01T00:00:00.000Z","fuelLevel":82,"engineStatus":"running"}`)
	handleTestMessage(app1,
		`{"vehicleId":"veh-1","lat":48.8666,"lng":2.3622,"ts":"2024-01-01T00:05:00.000Z","fuelLevel":81,"engineStatus":"running"}`)

	kmBefore, err := app1.store.CumulativeDistance("veh-1")
	if err != nil {
		t.Fatalf("cumulative distance: %v", err)
	}
	if kmBefore <= 0 {
		t.Fatalf("expected positive cumulative distance, got %v", kmBefore)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	app1.shutdown(ctx)
	cancel()

	app2 := newTestApp(t, cfg)
	if n, err := app2.store.EventCount(); err != nil || n != 2 {
		t.Fatalf("event count after restart: got %d err %v, want 2", n, err)
	}

	// The cache is empty after restart, so the derived speed is 0, but the
	// persisted distance picks up from the last stored position.
	handleTestMessage(app2,
		`{"vehicleId":"veh-1","lat":48.8766,"lng":2.3722,"ts":"2024-01-01T00:10:00.000Z","fuelLevel":80,"engineStatus":"running"}`)

	kmAfter, err := app2.store.CumulativeDistance("veh-1")
	if err != nil {
		t.Fatalf("cumulative distance after restart: %v", err)
	}
	if kmAfter <= kmBefore {
		t.Fatalf("cumulative distance should grow across restart: before %v, after %v", kmBefore, kmAfter)
	}
}

func TestShutdown_ClosesStore(t *testing.T) {
	app, err := newFleetApp(testConfig(t))
	if err != nil {
		t.Fatalf("newFleetApp: %v", err)
	}
	app.startBackgroundServices()

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if _, err := app.store.EventCount(); err == nil {
		t.Fatal("expected queries to fail after the store is closed")
	}
}

func TestWaitForShutdown_ReturnsServerError(t *testing.T) {
	errCh := make(chan error, 1)
	want := errors.New("listen tcp :8080: address already in use")
	errCh <- want

	if got := waitForShutdown(errCh); !errors.Is(got, want) {
		t.Fatalf("waitForShutdown: got %v, want %v", got, want)
	}
}
