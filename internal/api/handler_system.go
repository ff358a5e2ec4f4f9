package api

import "net/http"

// SystemInfo describes the running build for GET /system/info.
type SystemInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	StartedAt string `json:"startedAt"`
}

// HandleSystemInfo handles GET /system/info.
func HandleSystemInfo(info SystemInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	})
}
