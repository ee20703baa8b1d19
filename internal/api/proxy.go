package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/obrasync/internal/agent"
)

// Prefix is the path space the agent reserves for itself. Everything else is
// the application.
const Prefix = "/_obrasync"

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns the agent's top-level handler: its own endpoints under
// Prefix and the application, served through a, everywhere else. token
// protects the management API.
func NewHandler(a *agent.Agent, token string) http.Handler {
	r := chi.NewRouter()

	r.Route(Prefix, func(r chi.Router) {
		r.Get("/health", handleHealth)
		r.Get("/ws", a.Hub.ServeWS)
		r.Get("/open", a.Hub.OpenHandler)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/api", NewManageHandler(ManageDeps{Agent: a, Token: token}))
	})
	r.Handle("/*", a.Handler())

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
