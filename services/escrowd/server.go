package escrowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// OpsConfig lists what the ops listener exposes. Admin routes are mounted
// only when both Auth and Sweeper are set.
type OpsConfig struct {
	Checks  []ReadinessCheck
	Auth    *Authenticator
	Sweeper Sweeper
}

// NewOpsHandler serves liveness, readiness, Prometheus metrics and the
// token-guarded admin routes.
func NewOpsHandler(logger *slog.Logger, cfg OpsConfig) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	checks := cfg.Checks
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[check.Name] = err.Error()
				logger.Warn("readiness check failed", slog.String("check", check.Name), slog.Any("error", err))
				continue
			}
			results[check.Name] = "ok"
		}
		writeJSON(w, status, results)
	})
	r.Handle("/metrics", promhttp.Handler())
	if cfg.Auth != nil && cfg.Sweeper != nil {
		r.With(cfg.Auth.Middleware(ScopeSweep)).Post("/admin/sweep", func(w http.ResponseWriter, r *http.Request) {
			advanced, err := cfg.Sweeper.Sweep(r.Context())
			if err != nil {
				logger.Error("admin sweep failed", slog.Int("advanced", advanced), slog.Any("error", err))
				writeJSON(w, http.StatusInternalServerError, map[string]any{"advanced": advanced, "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"advanced": advanced})
		})
	}
	return otelhttp.NewHandler(r, "escrowd.ops")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
