package rpc

import (
	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/telemetry"
)

// Wire messages for fleet.v1.FleetTelemetry. The JSON tags are the wire
// contract; fleet.proto documents the same shapes for non-Go clients.

// SnapshotRequest selects vehicles for a point-in-time snapshot.
type SnapshotRequest struct {
	VehicleIDs     []string `json:"vehicleIds,omitempty"`
	IncludeMetrics bool     `json:"includeMetrics,omitempty"`
}

// VehicleState is one cached vehicle as seen by RPC clients. Timestamps
// are ISO-8601 instants in UTC.
type VehicleState struct {
	VehicleID    string  `json:"vehicleId"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	SpeedKmh     float64 `json:"speedKmh"`
	FuelLevel    float64 `json:"fuelLevel"`
	EngineStatus string  `json:"engineStatus"`
	Timestamp    string  `json:"timestamp"`
	LastSeen     string  `json:"lastSeen"`
}

// FleetMetrics mirrors the HTTP /stats counters.
type FleetMetrics struct {
	TotalMessages        int64   `json:"totalMessages"`
	InvalidMessages      int64   `json:"invalidMessages"`
	ConnectedClients     int     `json:"connectedClients"`
	MessageRatePerSecond float64 `json:"messageRatePerSecond"`
	WindowSeconds        int     `json:"windowSeconds"`
}

type SnapshotResponse struct {
	Vehicles []VehicleState `json:"vehicles"`
	Metrics  *FleetMetrics  `json:"metrics,omitempty"`
}

// StreamRequest opens a live fleet stream, optionally restricted to a set
// of vehicles.
type StreamRequest struct {
	VehicleIDs []string `json:"vehicleIds,omitempty"`
}

// Frame kinds carried by FleetDelta.
const (
	DeltaKindUpdate    = "update"
	DeltaKindHeartbeat = "heartbeat"
)

// FleetDelta is one live-stream frame: an updated vehicle state, or a
// bare heartbeat while the fleet is quiet.
type FleetDelta struct {
	Kind    string        `json:"kind"`
	Vehicle *VehicleState `json:"vehicle,omitempty"`
}

// HistoryRequest selects one page of the persisted event log. Start and
// End are optional ISO-8601 instants bounding recorded-at inclusively.
type HistoryRequest struct {
	VehicleIDs []string `json:"vehicleIds,omitempty"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	PageToken  string   `json:"pageToken,omitempty"`
}

// TelemetryEvent is one persisted observation.
type TelemetryEvent struct {
	EventID      int64   `json:"eventId"`
	VehicleID    string  `json:"vehicleId"`
	RecordedAt   string  `json:"recordedAt"`
	IngestAt     string  `json:"ingestAt"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	SpeedKmh     float64 `json:"speedKmh"`
	FuelLevel    float64 `json:"fuelLevel"`
	EngineStatus string  `json:"engineStatus"`
	DistanceKm   float64 `json:"distanceKm"`
}

// AggregatesRequest selects rollup buckets. With no Start the range
// defaults to the DurationSeconds (or one hour) ending at End or now.
type AggregatesRequest struct {
	VehicleIDs      []string `json:"vehicleIds,omitempty"`
	Start           string   `json:"start,omitempty"`
	End             string   `json:"end,omitempty"`
	DurationSeconds int64    `json:"durationSeconds,omitempty"`
	WindowSeconds   int64    `json:"windowSeconds,omitempty"`
	Metrics         []string `json:"metrics,omitempty"`
}

// AggregatesResponse echoes the resolved range and the effective bucket
// width alongside the buckets.
type AggregatesResponse struct {
	Start         string                  `json:"start"`
	End           string                  `json:"end"`
	WindowSeconds int64                   `json:"windowSeconds"`
	Buckets       []store.AggregateBucket `json:"buckets"`
}

func vehicleStateFrom(v telemetry.Enriched) *VehicleState {
	return &VehicleState{
		VehicleID:    v.VehicleID,
		Lat:          v.Lat,
		Lng:          v.Lng,
		SpeedKmh:     v.SpeedKmh,
		FuelLevel:    v.FuelLevel,
		EngineStatus: v.EngineStatus,
		Timestamp:    telemetry.FormatTime(v.Timestamp),
		LastSeen:     telemetry.FormatTime(v.LastSeen),
	}
}

func eventFrom(e store.Event) *TelemetryEvent {
	return &TelemetryEvent{
		EventID:      e.EventID,
		VehicleID:    e.VehicleID,
		RecordedAt:   telemetry.FormatTime(e.RecordedAt),
		IngestAt:     telemetry.FormatTime(e.IngestAt),
		Lat:          e.Lat,
		Lng:          e.Lng,
		SpeedKmh:     e.SpeedKmh,
		FuelLevel:    e.FuelLevel,
		EngineStatus: e.EngineStatus,
		DistanceKm:   e.DistanceKm,
	}
}
