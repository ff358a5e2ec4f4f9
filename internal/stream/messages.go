package stream

import (
	"encoding/json"
	"math"

	"github.com/stb13579/fleetd/internal/telemetry"
)

// Frame kinds pushed to stream subscribers. Every frame carries the payload
// version; clients silently ignore versions they do not support.
const (
	kindVehicleUpdate = "vehicle_update"
	kindVehicleRemove = "vehicle_remove"
)

type position struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type telemetryFields struct {
	Timestamp    string   `json:"timestamp"`
	Speed        *float64 `json:"speed"`
	FuelLevel    *float64 `json:"fuelLevel"`
	EngineStatus string   `json:"engineStatus"`
}

// filterFields repeats the attributes dashboards filter on so clients never
// dig into the telemetry body for them.
type filterFields struct {
	EngineStatus string   `json:"engineStatus"`
	FuelLevel    *float64 `json:"fuelLevel"`
}

type updateFrame struct {
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	VehicleID string          `json:"vehicleId"`
	Position  position        `json:"position"`
	Telemetry telemetryFields `json:"telemetry"`
	Filters   filterFields    `json:"filters"`
	LastSeen  string          `json:"lastSeen"`
}

type removeFrame struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	VehicleID string `json:"vehicleId"`
}

// encodeUpdate renders one vehicle_update frame. Timestamps are canonical
// ISO-8601 in UTC; numeric fields are JSON numbers when finite, null
// otherwise.
func encodeUpdate(version int, v telemetry.Enriched) ([]byte, error) {
	return json.Marshal(updateFrame{
		Type:      kindVehicleUpdate,
		Version:   version,
		VehicleID: v.VehicleID,
		Position: position{
			Lat: finiteOrNull(v.Lat),
			Lng: finiteOrNull(v.Lng),
		},
		Telemetry: telemetryFields{
			Timestamp:    telemetry.FormatTime(v.Timestamp),
			Speed:        finiteOrNull(v.SpeedKmh),
			FuelLevel:    finiteOrNull(v.FuelLevel),
			EngineStatus: v.EngineStatus,
		},
		Filters: filterFields{
			EngineStatus: v.EngineStatus,
			FuelLevel:    finiteOrNull(v.FuelLevel),
		},
		LastSeen: telemetry.FormatTime(v.LastSeen),
	})
}

// encodeRemove renders one vehicle_remove frame.
func encodeRemove(version int, vehicleID string) ([]byte, error) {
	return json.Marshal(removeFrame{
		Type:      kindVehicleRemove,
		Version:   version,
		VehicleID: vehicleID,
	})
}

// finiteOrNull maps NaN and infinities to nil: JSON has no encoding for
// them, so they go out as null.
func finiteOrNull(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
