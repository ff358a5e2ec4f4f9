package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/telemetry"
)

// TelemetryStore is the slice of the store the HTTP surface reads.
type TelemetryStore interface {
	History(store.HistoryQuery) ([]store.Event, string, error)
	Aggregate(store.AggregateQuery) ([]store.AggregateBucket, int64, error)
}

type summaryResponse struct {
	Start         string                  `json:"start"`
	End           string                  `json:"end"`
	WindowSeconds int64                   `json:"windowSeconds"`
	Buckets       []store.AggregateBucket `json:"buckets"`
}

// HandleTelemetrySummary handles GET /telemetry/summary. The range defaults
// to the last hour. The response echoes the effective bucket width: a
// windowSeconds with no materialized rollup is regrouped from a divisor
// window or raised to the base window.
func HandleTelemetrySummary(ts TelemetryStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		start, end, err := parseSummaryRange(q, time.Now())
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		window, err := parsePositiveInt(q, "windowSeconds")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		metrics := q["aggregate"]
		if _, err := store.ParseMetrics(metrics); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		buckets, effectiveWindow, err := ts.Aggregate(store.AggregateQuery{
			VehicleIDs:    parseVehicleIDs(q),
			Start:         start,
			End:           end,
			WindowSeconds: window,
			Metrics:       metrics,
		})
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summaryResponse{
			Start:         telemetry.FormatTime(start),
			End:           telemetry.FormatTime(end),
			WindowSeconds: effectiveWindow,
			Buckets:       buckets,
		})
	})
}

type eventDTO struct {
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

type historyResponse struct {
	Events        []eventDTO `json:"events"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// HandleTelemetryHistory handles GET /telemetry/history. Events come back in
// ascending id order; a nextPageToken is present only when the page was
// truncated at the limit.
func HandleTelemetryHistory(ts TelemetryStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		start, end, err := parseHistoryRange(q)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		limit, err := parsePositiveInt(q, "limit")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		events, nextToken, err := ts.History(store.HistoryQuery{
			VehicleIDs: parseVehicleIDs(q),
			Start:      start,
			End:        end,
			Limit:      int(limit),
			PageToken:  q.Get("pageToken"),
		})
		if err != nil {
			if errors.Is(err, store.ErrInvalidPageToken) {
				writeInvalidArgument(w, err.Error())
				return
			}
			writeInternal(w, err)
			return
		}

		dtos := make([]eventDTO, 0, len(events))
		for _, e := range events {
			dtos = append(dtos, eventDTO{
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
			})
		}
		WriteJSON(w, http.StatusOK, historyResponse{
			Events:        dtos,
			NextPageToken: nextToken,
		})
	})
}
