// Package httpx assembles the HTTP surface named in spec §6: a `/ws`
// upgrade endpoint and a `/health` status endpoint, behind the same
// chi middleware stack the teacher's gateway uses ahead of its
// reverse proxies. Grounded on gateway/cmd/gateway/main.go (middleware
// ordering, httprate.LimitByIP, cors.Handler). Request logging is
// chi's chimw.Logger; the teacher's bare http.Handler logging wrapper
// was not carried over.
package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"deeperhub/internal/telemetry"
)

// HealthFunc supplies the live values for /health's response body.
type HealthFunc func() HealthStatus

// HealthStatus is the JSON body spec §6 requires from /health.
type HealthStatus struct {
	Status              string    `json:"status"`
	Port                string    `json:"port"`
	MaxConnections       int       `json:"max_connections"`
	CurrentConnections   int       `json:"current_connections"`
	UptimeSeconds        float64   `json:"uptime_seconds"`
	Timestamp            time.Time `json:"timestamp"`
}

// Config carries the router's dependencies.
type Config struct {
	AllowedOrigins []string
	RateLimitRPM   int
	UpgradeWS      http.HandlerFunc
	Health         HealthFunc
}

// NewRouter builds the chi router mounting /health and /ws (spec §6:
// "All other HTTP routes ... are not part of the core").
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 300
	}
	r.Use(httprate.LimitByIP(rpm, time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "x-csrf-token", "x-session-id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Logger)
	r.Use(telemetry.PropagateRequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Health())
	})
	r.Get("/ws", cfg.UpgradeWS)

	return r
}

func originsIfSet(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
