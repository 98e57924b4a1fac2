package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/landledger/landledger/internal/gateway"
	"github.com/landledger/landledger/internal/observability"
	"github.com/landledger/landledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Authenticator *gateway.Authenticator
	APIHandler    *gateway.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
	// Ready reports whether downstream dependencies are usable; nil means always ready.
	Ready func() error
}

// NewRouter constructs the chi.Router with landledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	mw := MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}
	if params.Authenticator != nil {
		mw.Authenticate = params.Authenticator.Middleware
	}
	for _, m := range MiddlewareStack(mw) {
		r.Use(m)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	if params.APIHandler != nil {
		r.Route("/api/v1", params.APIHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
