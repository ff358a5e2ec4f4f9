package api

import (
	"fmt"
	"net/http"

	"github.com/stb13579/fleetd/internal/store"
	"github.com/stb13579/fleetd/internal/telemetry"
)

// VehicleRegistry is the slice of the store the vehicle endpoints read. It
// serves last-known state, which survives restarts and cache expiry; live
// state comes from the stream surfaces.
type VehicleRegistry interface {
	VehicleSummaries(store.VehicleQuery) ([]store.VehicleSummary, error)
	VehicleByID(string) (store.VehicleSummary, bool, error)
}

type vehicleDTO struct {
	VehicleID            string  `json:"vehicleId"`
	FirstSeen            string  `json:"firstSeen"`
	LastSeen             string  `json:"lastSeen"`
	Lat                  float64 `json:"lat"`
	Lng                  float64 `json:"lng"`
	FuelLevel            float64 `json:"fuelLevel"`
	EngineStatus         string  `json:"engineStatus"`
	CumulativeDistanceKm float64 `json:"cumulativeDistanceKm"`
}

type vehiclesResponse struct {
	Vehicles []vehicleDTO `json:"vehicles"`
}

func vehicleToDTO(vs store.VehicleSummary) vehicleDTO {
	return vehicleDTO{
		VehicleID:            vs.VehicleID,
		FirstSeen:            telemetry.FormatTime(vs.FirstSeenAt),
		LastSeen:             telemetry.FormatTime(vs.LastSeenAt),
		Lat:                  vs.LastLat,
		Lng:                  vs.LastLng,
		FuelLevel:            vs.LastFuelLevel,
		EngineStatus:         vs.LastEngineStatus,
		CumulativeDistanceKm: vs.CumulativeKm,
	}
}

// HandleVehicles handles GET /vehicles: every vehicle ever observed with its
// last-known state, ordered by vehicle id.
func HandleVehicles(reg VehicleRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit, err := parsePositiveInt(q, "limit")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		summaries, err := reg.VehicleSummaries(store.VehicleQuery{
			VehicleIDs: parseVehicleIDs(q),
			Limit:      int(limit),
		})
		if err != nil {
			writeInternal(w, err)
			return
		}

		dtos := make([]vehicleDTO, 0, len(summaries))
		for _, vs := range summaries {
			dtos = append(dtos, vehicleToDTO(vs))
		}
		WriteJSON(w, http.StatusOK, vehiclesResponse{Vehicles: dtos})
	})
}

// HandleVehicle handles GET /vehicles/{id}.
func HandleVehicle(reg VehicleRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		vs, ok, err := reg.VehicleByID(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("vehicle %q is not known", id))
			return
		}
		WriteJSON(w, http.StatusOK, vehicleToDTO(vs))
	})
}
