// Package telemetry defines the inbound message model, the validation and
// normalisation applied before a message enters the pipeline, and the
// enriched per-vehicle state kept by the cache.
package telemetry

import "time"

// Engine status values accepted from the fleet. Matching is case-insensitive
// on ingest; the normalised record always carries the lowercase form.
const (
	EngineRunning = "running"
	EngineIdle    = "idle"
	EngineOff     = "off"
)

// TimeLayout is the canonical ISO-8601 layout used on the wire: UTC with
// millisecond precision, matching what the fleet devices emit.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders an instant in the canonical wire layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Record is a validated, normalised telemetry observation: trimmed vehicle
// id, range-checked coordinates and fuel level, lowercased engine status,
// timestamp normalised to UTC.
type Record struct {
	VehicleID    string
	Lat          float64
	Lng          float64
	FuelLevel    float64
	EngineStatus string
	Timestamp    time.Time
}

// Enriched is the latest accepted record for a vehicle plus derived fields.
// SpeedKmh is 0 for the first observation of a vehicle and whenever the new
// timestamp is not strictly later than the previous one. LastSeen is the
// server ingest instant and is monotonic per vehicle.
type Enriched struct {
	Record
	SpeedKmh float64
	LastSeen time.Time
}
