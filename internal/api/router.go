package api

import (
	"net/http"

	"goji.io/v3"
	"goji.io/v3/pat"
)

// NewRouter wires the REST endpoints and the WebSocket endpoints.
func NewRouter(a *API, allowedOrigin string) *goji.Mux {
	mux := goji.NewMux()
	mux.Use(corsMiddleware(allowedOrigin))

	mux.HandleFunc(pat.Get("/health"), a.HealthHandler)
	mux.HandleFunc(pat.Get("/api/stats"), a.StatsHandler)
	mux.HandleFunc(pat.Get("/api/rooms"), a.ListRoomsHandler)
	mux.HandleFunc(pat.Get("/api/rooms/:key"), a.GetRoomHandler)
	mux.HandleFunc(pat.Get("/api/rooms/:key/history"), a.HistoryHandler)

	mux.HandleFunc(pat.Get("/ws"), a.hub.ServeWs)
	mux.HandleFunc(pat.Get("/ws/:key"), func(w http.ResponseWriter, r *http.Request) {
		a.hub.ServeRoom(w, r, pat.Param(r, "key"))
	})

	mux.HandleFunc(pat.New("/*"), func(w http.ResponseWriter, r *http.Request) {
		a.errorResponse(w, http.StatusNotFound, "Not found")
	})

	return mux
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
