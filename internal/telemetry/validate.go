package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Validate parses a raw broker payload and applies the structural and range
// checks for an inbound telemetry record. On success it returns the
// normalised record; every rejection reason yields a distinct error naming
// the offending field. Unknown fields are ignored.
func Validate(payload []byte) (Record, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Record{}, fmt.Errorf("telemetry: decode payload: %w", err)
	}
	if obj == nil {
		return Record{}, fmt.Errorf("telemetry: payload is not a JSON object")
	}

	vehicleID := strings.TrimSpace(getString(obj, "vehicleId"))
	if vehicleID == "" {
		return Record{}, fmt.Errorf("telemetry: vehicleId missing or empty")
	}

	lat, err := getFiniteNumber(obj, "lat")
	if err != nil {
		return Record{}, err
	}
	if lat < -90 || lat > 90 {
		return Record{}, fmt.Errorf("telemetry: lat %v outside [-90, 90]", lat)
	}

	lng, err := getFiniteNumber(obj, "lng")
	if err != nil {
		return Record{}, err
	}
	if lng < -180 || lng > 180 {
		return Record{}, fmt.Errorf("telemetry: lng %v outside [-180, 180]", lng)
	}

	fuel, err := getFiniteNumber(obj, "fuelLevel")
	if err != nil {
		return Record{}, err
	}
	if fuel < 0 || fuel > 100 {
		return Record{}, fmt.Errorf("telemetry: fuelLevel %v outside [0, 100]", fuel)
	}

	status := strings.ToLower(strings.TrimSpace(getString(obj, "engineStatus")))
	switch status {
	case EngineRunning, EngineIdle, EngineOff:
	default:
		return Record{}, fmt.Errorf("telemetry: engineStatus %q not one of running/idle/off", getString(obj, "engineStatus"))
	}

	ts, err := parseTimestamp(obj["ts"])
	if err != nil {
		return Record{}, err
	}

	return Record{
		VehicleID:    vehicleID,
		Lat:          lat,
		Lng:          lng,
		FuelLevel:    fuel,
		EngineStatus: status,
		Timestamp:    ts,
	}, nil
}

// parseTimestamp accepts the two instant encodings the fleet produces: an
// RFC3339 string or an epoch-millisecond number.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("telemetry: parse ts %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("telemetry: ts is not a finite number")
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("telemetry: ts missing")
	default:
		return time.Time{}, fmt.Errorf("telemetry: ts has unsupported type %T", v)
	}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getFiniteNumber(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("telemetry: %s missing", key)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("telemetry: %s is not a number", key)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("telemetry: %s is not finite", key)
	}
	return n, nil
}
