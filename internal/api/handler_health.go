package api

import "net/http"

// HandleHealthz handles GET /healthz. Liveness only: the process answers,
// therefore it is healthy.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleReadyz handles GET /readyz. Readiness tracks broker connectivity:
// not ready until the subscription is established, and again whenever the
// connection is lost.
func HandleReadyz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && ready() {
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}
