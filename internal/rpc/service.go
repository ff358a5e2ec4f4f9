package rpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/stb13579/fleetd/internal/stats"
	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/telemetry"
)

const (
	// DefaultStreamInterval is the live-stream poll cadence.
	DefaultStreamInterval = time.Second
	// DefaultStreamHeartbeat is how long a live stream stays silent before
	// a heartbeat frame goes out.
	DefaultStreamHeartbeat = 15 * time.Second
)

// Response headers set by the server-streaming operations.
const (
	headerActiveStreamCount = "active-stream-count"
	headerNextPageToken     = "next-page-token"
)

// TelemetryStore is the slice of the store the RPC surface reads.
type TelemetryStore interface {
	History(q store.HistoryQuery) ([]store.Event, string, error)
	Aggregate(q store.AggregateQuery) ([]store.AggregateBucket, int64, error)
}

// ClientCounter reports how many WebSocket subscribers are attached.
type ClientCounter interface {
	ClientCount() int
}

// FleetStreamServer is the send side of a StreamFleet call.
type FleetStreamServer interface {
	Send(*FleetDelta) error
	grpc.ServerStream
}

// HistoryStreamServer is the send side of a StreamHistory call.
type HistoryStreamServer interface {
	Send(*TelemetryEvent) error
	grpc.ServerStream
}

// ServiceOptions wires the FleetService to the rest of the process.
type ServiceOptions struct {
	// Snapshot returns the cached fleet in cache iteration order.
	Snapshot func() []telemetry.Enriched
	Store    TelemetryStore
	Counters *stats.Counters
	Rate     *stats.RateWindow
	Clients  ClientCounter

	StreamInterval  time.Duration
	StreamHeartbeat time.Duration
}

// FleetService implements fleet.v1.FleetTelemetry.
type FleetService struct {
	snapshot func() []telemetry.Enriched
	store    TelemetryStore
	counters *stats.Counters
	rate     *stats.RateWindow
	clients  ClientCounter

	streamInterval  time.Duration
	streamHeartbeat time.Duration

	// streams maps live-stream ids to their cancel functions so shutdown
	// can end streams that would otherwise outlive GracefulStop.
	streams *xsync.Map[string, context.CancelFunc]
}

func NewFleetService(opts ServiceOptions) *FleetService {
	s := &FleetService{
		snapshot:        opts.Snapshot,
		store:           opts.Store,
		counters:        opts.Counters,
		rate:            opts.Rate,
		clients:         opts.Clients,
		streamInterval:  opts.StreamInterval,
		streamHeartbeat: opts.StreamHeartbeat,
		streams:         xsync.NewMap[string, context.CancelFunc](),
	}
	if s.streamInterval <= 0 {
		s.streamInterval = DefaultStreamInterval
	}
	if s.streamHeartbeat <= 0 {
		s.streamHeartbeat = DefaultStreamHeartbeat
	}
	return s
}

// GetFleetSnapshot returns the cached fleet state, filtered to the
// requested vehicles when any are named.
func (s *FleetService) GetFleetSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	filter := newIDSet(req.VehicleIDs)
	vehicles := make([]VehicleState, 0)
	for _, v := range s.snapshot() {
		if !filter.match(v.VehicleID) {
			continue
		}
		vehicles = append(vehicles, *vehicleStateFrom(v))
	}
	resp := &SnapshotResponse{Vehicles: vehicles}
	if req.IncludeMetrics {
		resp.Metrics = &FleetMetrics{
			TotalMessages:        s.counters.TotalMessages(),
			InvalidMessages:      s.counters.InvalidMessages(),
			ConnectedClients:     s.clients.ClientCount(),
			MessageRatePerSecond: s.rate.Rate(time.Now()),
			WindowSeconds:        s.rate.WindowSeconds(),
		}
	}
	return resp, nil
}

// StreamFleet sends the current snapshot, then polls the cache and sends
// every vehicle whose LastSeen advanced since it was last streamed. Writes
// block on transport flow control, which pauses the poll loop for slow
// clients. A heartbeat frame goes out when nothing has been sent for the
// heartbeat interval.
func (s *FleetService) StreamFleet(req *StreamRequest, stream FleetStreamServer) error {
	active := s.counters.StreamStarted()
	defer s.counters.StreamEnded()

	if err := stream.SendHeader(metadata.Pairs(headerActiveStreamCount, strconv.FormatInt(active, 10))); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	id := uuid.NewString()
	s.streams.Store(id, cancel)
	defer s.streams.Delete(id)

	filter := newIDSet(req.VehicleIDs)
	streamed := make(map[string]time.Time)
	lastSent := time.Now()

	send := func(v telemetry.Enriched) error {
		streamed[v.VehicleID] = v.LastSeen
		if err := stream.Send(&FleetDelta{Kind: DeltaKindUpdate, Vehicle: vehicleStateFrom(v)}); err != nil {
			return err
		}
		lastSent = time.Now()
		return nil
	}

	for _, v := range s.snapshot() {
		if !filter.match(v.VehicleID) {
			continue
		}
		if err := send(v); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, v := range s.snapshot() {
				if !filter.match(v.VehicleID) {
					continue
				}
				if prev, ok := streamed[v.VehicleID]; ok && !v.LastSeen.After(prev) {
					continue
				}
				if err := send(v); err != nil {
					return err
				}
			}
			if time.Since(lastSent) >= s.streamHeartbeat {
				if err := stream.Send(&FleetDelta{Kind: DeltaKindHeartbeat}); err != nil {
					return err
				}
				lastSent = time.Now()
			}
		}
	}
}

// StreamHistory sends one page of events in ascending event-id order. The
// resume token for a truncated page travels in the next-page-token header.
func (s *FleetService) StreamHistory(req *HistoryRequest, stream HistoryStreamServer) error {
	active := s.counters.StreamStarted()
	defer s.counters.StreamEnded()

	start, end, err := parseEventRange(req.Start, req.End)
	if err != nil {
		return err
	}
	events, nextToken, err := s.store.History(store.HistoryQuery{
		VehicleIDs: req.VehicleIDs,
		Start:      start,
		End:        end,
		Limit:      req.Limit,
		PageToken:  req.PageToken,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidPageToken) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	md := metadata.Pairs(headerActiveStreamCount, strconv.FormatInt(active, 10))
	if nextToken != "" {
		md.Set(headerNextPageToken, nextToken)
	}
	if err := stream.SendHeader(md); err != nil {
		return err
	}
	for _, e := range events {
		if err := stream.Send(eventFrom(e)); err != nil {
			return err
		}
	}
	return nil
}

// GetAggregates returns rollup buckets for the resolved range.
func (s *FleetService) GetAggregates(ctx context.Context, req *AggregatesRequest) (*AggregatesResponse, error) {
	start, end, err := resolveAggregateRange(req, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := store.ParseMetrics(req.Metrics); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	buckets, window, err := s.store.Aggregate(store.AggregateQuery{
		VehicleIDs:    req.VehicleIDs,
		Start:         start,
		End:           end,
		WindowSeconds: req.WindowSeconds,
		Metrics:       req.Metrics,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &AggregatesResponse{
		Start:         telemetry.FormatTime(start),
		End:           telemetry.FormatTime(end),
		WindowSeconds: window,
		Buckets:       buckets,
	}, nil
}

// closeStreams cancels every live fleet stream. Shutdown calls it before
// GracefulStop so open streams do not hold the server up.
func (s *FleetService) closeStreams() {
	s.streams.Range(func(id string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
}

// idSet is a vehicle-id filter; an empty set matches everything.
type idSet map[string]struct{}

func newIDSet(ids []string) idSet {
	if len(ids) == 0 {
		return nil
	}
	set := make(idSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s idSet) match(id string) bool {
	if s == nil {
		return true
	}
	_, ok := s[id]
	return ok
}

func parseInstantField(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, status.Errorf(codes.InvalidArgument, "invalid %s: expected an ISO-8601 instant", name)
	}
	return t, nil
}

// parseEventRange validates the optional history bounds. Both may be
// absent; when both are present start must precede end.
func parseEventRange(rawStart, rawEnd string) (time.Time, time.Time, error) {
	start, err := parseInstantField("start", rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseInstantField("end", rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return time.Time{}, time.Time{}, status.Error(codes.InvalidArgument, "'start' must be before 'end'")
	}
	return start, end, nil
}

// resolveAggregateRange applies the aggregate range defaults: end falls
// back to now, start to DurationSeconds (or one hour) before end.
func resolveAggregateRange(req *AggregatesRequest, now time.Time) (time.Time, time.Time, error) {
	end, err := parseInstantField("end", req.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = now
	}
	start, err := parseInstantField("start", req.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.IsZero() {
		duration := time.Hour
		if req.DurationSeconds > 0 {
			duration = time.Duration(req.DurationSeconds) * time.Second
		} else if req.DurationSeconds < 0 {
			return time.Time{}, time.Time{}, status.Error(codes.InvalidArgument, "invalid durationSeconds: expected a positive integer")
		}
		start = end.Add(-duration)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, status.Error(codes.InvalidArgument, "'start' must be before 'end'")
	}
	return start, end, nil
}
