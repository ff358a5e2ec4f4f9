package rpc

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/stb13579/fleetd/internal/stats"
	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/telemetry"
)

var rpcBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rpcEnriched(vehicleID string, lat, lng float64, recorded time.Time, speed, fuel float64) telemetry.Enriched {
	return telemetry.Enriched{
		Record: telemetry.Record{
			VehicleID:    vehicleID,
			Lat:          lat,
			Lng:          lng,
			FuelLevel:    fuel,
			EngineStatus: telemetry.EngineRunning,
			Timestamp:    recorded,
		},
		SpeedKmh: speed,
		LastSeen: recorded.Add(50 * time.Millisecond),
	}
}

// newSeededStore records four events: three for veh-1 (two in the first
// 5-minute bucket, one in the second) and one for veh-2.
func newSeededStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"), store.Options{RollupWindowSeconds: 300})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seed := []telemetry.Enriched{
		rpcEnriched("veh-1", 48.8566, 2.3522, rpcBase.Add(30*time.Second), 10, 80),
		rpcEnriched("veh-2", 40.7128, -74.0060, rpcBase.Add(60*time.Second), 50, 90),
		rpcEnriched("veh-1", 48.8600, 2.3600, rpcBase.Add(90*time.Second), 20, 78),
		rpcEnriched("veh-1", 48.8700, 2.3700, rpcBase.Add(330*time.Second), 30, 76),
	}
	for _, e := range seed {
		if _, err := s.RecordTelemetry(e); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// fleetSource is a mutable stand-in for the vehicle cache.
type fleetSource struct {
	mu       sync.Mutex
	vehicles []telemetry.Enriched
}

func (f *fleetSource) snapshot() []telemetry.Enriched {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]telemetry.Enriched, len(f.vehicles))
	copy(out, f.vehicles)
	return out
}

// touch advances a vehicle's observation to the given instant.
func (f *fleetSource) touch(vehicleID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.vehicles {
		if f.vehicles[i].VehicleID == vehicleID {
			f.vehicles[i].Timestamp = at
			f.vehicles[i].LastSeen = at.Add(50 * time.Millisecond)
			return
		}
	}
}

type fakeClients int

func (f fakeClients) ClientCount() int { return int(f) }

// fakeServerStream satisfies grpc.ServerStream for direct service calls.
type fakeServerStream struct {
	ctx    context.Context
	mu     sync.Mutex
	header metadata.MD
}

func (f *fakeServerStream) SetHeader(md metadata.MD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header = metadata.Join(f.header, md)
	return nil
}

func (f *fakeServerStream) SendHeader(md metadata.MD) error { return f.SetHeader(md) }
func (f *fakeServerStream) SetTrailer(metadata.MD)          {}

func (f *fakeServerStream) Context() context.Context {
	if f.ctx == nil {
		return context.Background()
	}
	return f.ctx
}

func (f *fakeServerStream) SendMsg(m interface{}) error { return nil }
func (f *fakeServerStream) RecvMsg(m interface{}) error { return io.EOF }

func (f *fakeServerStream) headerValues(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header.Get(key)
}

type fakeFleetStream struct {
	fakeServerStream
	deltas []FleetDelta
}

func (f *fakeFleetStream) Send(d *FleetDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, *d)
	return nil
}

func (f *fakeFleetStream) sent() []FleetDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FleetDelta, len(f.deltas))
	copy(out, f.deltas)
	return out
}

func (f *fakeFleetStream) updates() []FleetDelta {
	var out []FleetDelta
	for _, d := range f.sent() {
		if d.Kind == DeltaKindUpdate {
			out = append(out, d)
		}
	}
	return out
}

type fakeHistoryStream struct {
	fakeServerStream
	events []TelemetryEvent
}

func (f *fakeHistoryStream) Send(e *TelemetryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func newTestService(t *testing.T, src *fleetSource, s TelemetryStore, interval, heartbeat time.Duration) *FleetService {
	t.Helper()
	if src == nil {
		src = &fleetSource{}
	}
	return NewFleetService(ServiceOptions{
		Snapshot:        src.snapshot,
		Store:           s,
		Counters:        stats.NewCounters(),
		Rate:            stats.NewRateWindow(time.Minute),
		Clients:         fakeClients(4),
		StreamInterval:  interval,
		StreamHeartbeat: heartbeat,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- snapshot ---

func TestGetFleetSnapshot_ReturnsCachedVehicles(t *testing.T) {
	src := &fleetSource{vehicles: []telemetry.Enriched{
		rpcEnriched("veh-1", 48.8566, 2.3522, rpcBase.Add(30*time.Second), 10, 80),
		rpcEnriched("veh-2", 40.7128, -74.0060, rpcBase.Add(60*time.Second), 50, 90),
	}}
	svc := newTestService(t, src, nil, 0, 0)

	resp, err := svc.GetFleetSnapshot(context.Background(), &SnapshotRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(resp.Vehicles))
	}
	first := resp.Vehicles[0]
	if first.VehicleID != "veh-1" {
		t.Fatalf("expected veh-1 first, got %s", first.VehicleID)
	}
	if first.Lat != 48.8566 || first.Lng != 2.3522 {
		t.Fatalf("unexpected position %v,%v", first.Lat, first.Lng)
	}
	if first.SpeedKmh != 10 {
		t.Fatalf("expected speed 10, got %v", first.SpeedKmh)
	}
	if first.Timestamp != "2024-01-01T00:00:30.000Z" {
		t.Fatalf("unexpected timestamp %s", first.Timestamp)
	}
	if first.LastSeen != "2024-01-01T00:00:30.050Z" {
		t.Fatalf("unexpected lastSeen %s", first.LastSeen)
	}
	if resp.Metrics != nil {
		t.Fatal("expected no metrics unless requested")
	}
}

func TestGetFleetSnapshot_FilterAndMetrics(t *testing.T) {
	src := &fleetSource{vehicles: []telemetry.Enriched{
		rpcEnriched("veh-1", 48.85, 2.35, rpcBase, 10, 80),
		rpcEnriched("veh-2", 40.71, -74.00, rpcBase, 50, 90),
		rpcEnriched("veh-3", 51.50, -0.12, rpcBase, 30, 70),
	}}
	svc := newTestService(t, src, nil, 0, 0)
	for i := 0; i < 5; i++ {
		svc.counters.MarkValid()
	}
	svc.counters.MarkInvalid()

	resp, err := svc.GetFleetSnapshot(context.Background(), &SnapshotRequest{
		VehicleIDs:     []string{"veh-1", "veh-3"},
		IncludeMetrics: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Vehicles) != 2 {
		t.Fatalf("expected 2 filtered vehicles, got %d", len(resp.Vehicles))
	}
	if resp.Vehicles[0].VehicleID != "veh-1" || resp.Vehicles[1].VehicleID != "veh-3" {
		t.Fatalf("unexpected vehicles %v", resp.Vehicles)
	}
	if resp.Metrics == nil {
		t.Fatal("expected metrics")
	}
	if resp.Metrics.TotalMessages != 5 || resp.Metrics.InvalidMessages != 1 {
		t.Fatalf("unexpected message counters %+v", resp.Metrics)
	}
	if resp.Metrics.ConnectedClients != 4 {
		t.Fatalf("expected 4 connected clients, got %d", resp.Metrics.ConnectedClients)
	}
	if resp.Metrics.WindowSeconds != 60 {
		t.Fatalf("expected a 60s rate window, got %d", resp.Metrics.WindowSeconds)
	}
}

// --- history stream ---

func TestStreamHistory_PagesWithResumeToken(t *testing.T) {
	svc := newTestService(t, nil, newSeededStore(t), 0, 0)

	first := &fakeHistoryStream{}
	if err := svc.StreamHistory(&HistoryRequest{Limit: 2}, first); err != nil {
		t.Fatal(err)
	}
	if len(first.events) != 2 {
		t.Fatalf("expected 2 events on the first page, got %d", len(first.events))
	}
	if got := first.headerValues(headerActiveStreamCount); len(got) != 1 || got[0] != "1" {
		t.Fatalf("unexpected active-stream-count header %v", got)
	}
	tokens := first.headerValues(headerNextPageToken)
	if len(tokens) != 1 || tokens[0] == "" {
		t.Fatalf("expected a continuation token on a truncated page, got %v", tokens)
	}
	if first.events[0].RecordedAt != "2024-01-01T00:00:30.000Z" {
		t.Fatalf("unexpected first recordedAt %s", first.events[0].RecordedAt)
	}
	if first.events[0].DistanceKm != 0 {
		t.Fatalf("expected zero distance on a vehicle's first event, got %v", first.events[0].DistanceKm)
	}

	second := &fakeHistoryStream{}
	if err := svc.StreamHistory(&HistoryRequest{Limit: 2, PageToken: tokens[0]}, second); err != nil {
		t.Fatal(err)
	}
	if len(second.events) != 2 {
		t.Fatalf("expected 2 events on the second page, got %d", len(second.events))
	}
	if got := second.headerValues(headerNextPageToken); len(got) != 0 {
		t.Fatalf("expected no continuation token on the final page, got %v", got)
	}

	var prev int64
	for _, e := range append(first.events, second.events...) {
		if e.EventID <= prev {
			t.Fatalf("expected strictly ascending event ids, got %d after %d", e.EventID, prev)
		}
		prev = e.EventID
	}
	if svc.counters.ActiveStreams() != 0 {
		t.Fatalf("expected the stream gauge back at 0, got %d", svc.counters.ActiveStreams())
	}
}

func TestStreamHistory_VehicleAndTimeFilters(t *testing.T) {
	svc := newTestService(t, nil, newSeededStore(t), 0, 0)

	stream := &fakeHistoryStream{}
	if err := svc.StreamHistory(&HistoryRequest{VehicleIDs: []string{"veh-1"}}, stream); err != nil {
		t.Fatal(err)
	}
	if len(stream.events) != 3 {
		t.Fatalf("expected 3 veh-1 events, got %d", len(stream.events))
	}

	stream = &fakeHistoryStream{}
	err := svc.StreamHistory(&HistoryRequest{
		Start: "2024-01-01T00:00:45Z",
		End:   "2024-01-01T00:02:00Z",
	}, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(stream.events) != 2 {
		t.Fatalf("expected 2 events in range, got %d", len(stream.events))
	}
}

func TestStreamHistory_InvalidArguments(t *testing.T) {
	svc := newTestService(t, nil, newSeededStore(t), 0, 0)

	cases := []struct {
		name string
		req  *HistoryRequest
	}{
		{"unparseable start", &HistoryRequest{Start: "nope"}},
		{"start after end", &HistoryRequest{Start: "2024-01-01T01:00:00Z", End: "2024-01-01T00:00:00Z"}},
		{"bad page token", &HistoryRequest{PageToken: "abc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.StreamHistory(tc.req, &fakeHistoryStream{})
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
	if svc.counters.ActiveStreams() != 0 {
		t.Fatalf("expected the stream gauge back at 0, got %d", svc.counters.ActiveStreams())
	}
}

// --- aggregates ---

func newRolledUpService(t *testing.T) *FleetService {
	t.Helper()
	s := newSeededStore(t)
	if _, err := s.RunRollups(rpcBase.Add(time.Hour).Unix(), false); err != nil {
		t.Fatal(err)
	}
	return newTestService(t, nil, s, 0, 0)
}

func TestGetAggregates_ReturnsBuckets(t *testing.T) {
	svc := newRolledUpService(t)

	resp, err := svc.GetAggregates(context.Background(), &AggregatesRequest{
		Start:         "2024-01-01T00:00:00Z",
		End:           "2024-01-01T01:00:00Z",
		WindowSeconds: 300,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WindowSeconds != 300 {
		t.Fatalf("expected effective window 300, got %d", resp.WindowSeconds)
	}
	if resp.Start != "2024-01-01T00:00:00.000Z" || resp.End != "2024-01-01T01:00:00.000Z" {
		t.Fatalf("unexpected echoed range %s..%s", resp.Start, resp.End)
	}
	if len(resp.Buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d: %v", len(resp.Buckets), resp.Buckets)
	}
	first := resp.Buckets[0]
	if first.VehicleID != "veh-1" {
		t.Fatalf("expected veh-1 first, got %s", first.VehicleID)
	}
	if first.BucketStart != rpcBase.Unix() {
		t.Fatalf("expected bucketStart %d, got %d", rpcBase.Unix(), first.BucketStart)
	}
	if first.AvgSpeed == nil || *first.AvgSpeed != 15 {
		t.Fatalf("expected avgSpeed 15, got %v", first.AvgSpeed)
	}
	if first.SampleCount == nil || *first.SampleCount != 2 {
		t.Fatalf("expected sampleCount 2, got %v", first.SampleCount)
	}
}

func TestGetAggregates_MetricSelection(t *testing.T) {
	svc := newRolledUpService(t)

	resp, err := svc.GetAggregates(context.Background(), &AggregatesRequest{
		Start:   "2024-01-01T00:00:00Z",
		End:     "2024-01-01T01:00:00Z",
		Metrics: []string{"avgSpeed", "sampleCount"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Buckets) == 0 {
		t.Fatal("expected buckets")
	}
	first := resp.Buckets[0]
	if first.AvgSpeed == nil || first.SampleCount == nil {
		t.Fatalf("expected selected metrics populated, got %+v", first)
	}
	if first.MaxSpeed != nil || first.MinFuel != nil {
		t.Fatalf("expected unselected metrics omitted, got %+v", first)
	}
}

func TestGetAggregates_DefaultRangeIsLastHour(t *testing.T) {
	svc := newRolledUpService(t)

	// Seeded data is far in the past, so the default range holds no buckets.
	resp, err := svc.GetAggregates(context.Background(), &AggregatesRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Buckets == nil || len(resp.Buckets) != 0 {
		t.Fatalf("expected an empty bucket slice, got %v", resp.Buckets)
	}
}

func TestGetAggregates_InvalidArguments(t *testing.T) {
	svc := newRolledUpService(t)

	cases := []struct {
		name string
		req  *AggregatesRequest
	}{
		{"unknown metric", &AggregatesRequest{Metrics: []string{"turboBoost"}}},
		{"negative duration", &AggregatesRequest{DurationSeconds: -5}},
		{"unparseable end", &AggregatesRequest{End: "yesterday"}},
		{"start after end", &AggregatesRequest{Start: "2024-01-01T01:00:00Z", End: "2024-01-01T00:00:00Z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GetAggregates(context.Background(), tc.req)
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

// --- live stream ---

func TestStreamFleet_SnapshotThenUpdates(t *testing.T) {
	src := &fleetSource{vehicles: []telemetry.Enriched{
		rpcEnriched("veh-1", 48.85, 2.35, rpcBase.Add(30*time.Second), 10, 80),
		rpcEnriched("veh-2", 40.71, -74.00, rpcBase.Add(60*time.Second), 50, 90),
	}}
	svc := newTestService(t, src, nil, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeFleetStream{fakeServerStream: fakeServerStream{ctx: ctx}}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.StreamFleet(&StreamRequest{}, stream) }()

	waitFor(t, "the snapshot frames", func() bool { return len(stream.updates()) >= 2 })
	updates := stream.updates()
	if updates[0].Vehicle.VehicleID != "veh-1" || updates[1].Vehicle.VehicleID != "veh-2" {
		t.Fatalf("unexpected snapshot order %v", updates)
	}
	if got := stream.headerValues(headerActiveStreamCount); len(got) != 1 || got[0] != "1" {
		t.Fatalf("unexpected active-stream-count header %v", got)
	}

	src.touch("veh-1", rpcBase.Add(2*time.Minute))
	waitFor(t, "the changed vehicle", func() bool { return len(stream.updates()) >= 3 })
	third := stream.updates()[2]
	if third.Vehicle.VehicleID != "veh-1" {
		t.Fatalf("expected the changed vehicle, got %s", third.Vehicle.VehicleID)
	}
	if third.Vehicle.LastSeen != "2024-01-01T00:02:00.050Z" {
		t.Fatalf("unexpected lastSeen %s", third.Vehicle.LastSeen)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.counters.ActiveStreams() != 0 {
		t.Fatalf("expected the stream gauge back at 0, got %d", svc.counters.ActiveStreams())
	}
}

func TestStreamFleet_UnchangedVehiclesNotResent(t *testing.T) {
	src := &fleetSource{vehicles: []telemetry.Enriched{
		rpcEnriched("veh-1", 48.85, 2.35, rpcBase, 10, 80),
	}}
	svc := newTestService(t, src, nil, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeFleetStream{fakeServerStream: fakeServerStream{ctx: ctx}}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.StreamFleet(&StreamRequest{}, stream) }()

	waitFor(t, "the snapshot frame", func() bool { return len(stream.updates()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(stream.updates()); got != 1 {
		t.Fatalf("expected no resends for an unchanged vehicle, got %d updates", got)
	}

	cancel()
	<-errCh
}

func TestStreamFleet_FilterRestrictsVehicles(t *testing.T) {
	src := &fleetSource{vehicles: []telemetry.Enriched{
		rpcEnriched("veh-1", 48.85, 2.35, rpcBase, 10, 80),
		rpcEnriched("veh-2", 40.71, -74.00, rpcBase, 50, 90),
	}}
	svc := newTestService(t, src, nil, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeFleetStream{fakeServerStream: fakeServerStream{ctx: ctx}}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.StreamFleet(&StreamRequest{VehicleIDs: []string{"veh-2"}}, stream) }()

	waitFor(t, "the filtered snapshot", func() bool { return len(stream.updates()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	for _, u := range stream.updates() {
		if u.Vehicle.VehicleID != "veh-2" {
			t.Fatalf("expected only veh-2 frames, got %s", u.Vehicle.VehicleID)
		}
	}

	cancel()
	<-errCh
}

func TestStreamFleet_HeartbeatWhenIdle(t *testing.T) {
	svc := newTestService(t, &fleetSource{}, nil, 5*time.Millisecond, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &fakeFleetStream{fakeServerStream: fakeServerStream{ctx: ctx}}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.StreamFleet(&StreamRequest{}, stream) }()

	waitFor(t, "a heartbeat frame", func() bool {
		for _, d := range stream.sent() {
			if d.Kind == DeltaKindHeartbeat {
				return true
			}
		}
		return false
	})

	cancel()
	<-errCh
}

func TestCloseStreams_EndsLiveStreams(t *testing.T) {
	svc := newTestService(t, &fleetSource{}, nil, 5*time.Millisecond, time.Minute)

	stream := &fakeFleetStream{}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.StreamFleet(&StreamRequest{}, stream) }()

	waitFor(t, "the stream to register", func() bool { return svc.streams.Size() == 1 })
	svc.closeStreams()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.counters.ActiveStreams() != 0 {
		t.Fatalf("expected the stream gauge back at 0, got %d", svc.counters.ActiveStreams())
	}
}
