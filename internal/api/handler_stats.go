package api

import (
	"net/http"
	"time"

	"github.com/stb13579/fleetd/internal/stats"
)

// VehicleCounter reports how many vehicles the cache currently tracks.
type VehicleCounter interface {
	Len() int
}

// ClientCounter reports how many live stream subscribers are attached.
type ClientCounter interface {
	ClientCount() int
}

type statsResponse struct {
	TotalMessages        int64   `json:"totalMessages"`
	InvalidMessages      int64   `json:"invalidMessages"`
	VehiclesTracked      int     `json:"vehiclesTracked"`
	ConnectedClients     int     `json:"connectedClients"`
	MessageRatePerSecond float64 `json:"messageRatePerSecond"`
	WindowSeconds        int     `json:"windowSeconds"`
}

// HandleStats handles GET /stats.
func HandleStats(counters *stats.Counters, rate *stats.RateWindow, vehicles VehicleCounter, clients ClientCounter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			TotalMessages:        counters.TotalMessages(),
			InvalidMessages:      counters.InvalidMessages(),
			MessageRatePerSecond: rate.Rate(time.Now()),
			WindowSeconds:        rate.WindowSeconds(),
		}
		if vehicles != nil {
			resp.VehiclesTracked = vehicles.Len()
		}
		if clients != nil {
			resp.ConnectedClients = clients.ClientCount()
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}
