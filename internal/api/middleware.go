package api

import "net/http"

// CORSMiddleware marks every response, errors included, as readable from any
// origin. The surface is read-only and unauthenticated.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// GETOnlyMiddleware rejects every method other than GET with the standard
// 405 envelope before the mux sees the request.
func GETOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
			return
		}
		next.ServeHTTP(w, r)
	})
}
