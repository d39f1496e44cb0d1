// Package ops provides the operational HTTP listener for the visit daemon:
// liveness and Prometheus scrape endpoints. It is not the host application's
// API; nothing here serves domain data.
package ops

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/waylog/waylog/internal/metrics"
	"github.com/waylog/waylog/internal/middleware"
)

// Pinger verifies a backing connection is alive. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the ops router.
// Middleware is applied in order: RequestID → RealIP → Logger → Recoverer,
// the same chain the request path of the host application uses.
func NewRouter(logger *slog.Logger, db Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewSlogLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", handleHealth(db))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// handleHealth reports {"status":"ok"} with HTTP 200 while the database
// answers pings, and {"status":"degraded"} with HTTP 503 when it does not.
func handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
