package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/config"
	"github.com/relayplane/proxy/handler"
	gwmw "github.com/relayplane/proxy/middleware"
	"github.com/relayplane/proxy/observability"
	"github.com/relayplane/proxy/pipeline"
	"github.com/relayplane/proxy/provider"
)

// NewRouter returns a configured chi Router with the full middleware chain
// and every spec-defined route mounted. Optional variadic args:
// *observability.Metrics (mounts /metrics).
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, registry *provider.Registry, deps *pipeline.Deps, ctrl *handler.ControlHandler, opts ...interface{}) http.Handler {
	r := chi.NewRouter()

	var metrics *observability.Metrics
	for _, opt := range opts {
		switch v := opt.(type) {
		case *observability.Metrics:
			metrics = v
		}
	}

	// --- Middleware Chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))
	if ctrl != nil {
		r.Use(ctrl.EnabledMiddleware)
	}

	// --- Health + control endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"relayplane-proxy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"relayplane-proxy"}`))
	})

	if ctrl != nil {
		r.Get("/health", ctrl.Health)
		r.Get("/stats", ctrl.Stats)
		r.Get("/runs", ctrl.Runs)
		r.Get("/control/status", ctrl.ControlStatus)
		r.Post("/control/enable", ctrl.ControlEnable)
		r.Post("/control/disable", ctrl.ControlDisable)
		r.Get("/control/config", ctrl.ControlConfig)
		r.Post("/control/config", ctrl.ControlConfig)
	}

	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// --- API routes (credential presence + rate limit required) ---
	chatHandler := handler.NewChatHandler(appLogger, deps, ctrl)
	modelsHandler := handler.NewModelsHandler(appLogger, registry)

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/messages", chatHandler.Messages)
		r.Post("/chat/completions", chatHandler.ChatCompletions)

		r.Get("/models", modelsHandler.Models)
		r.Get("/providers/health", modelsHandler.ProviderHealth)

		if ctrl != nil {
			r.Get("/telemetry/stats", ctrl.Stats)
			r.Get("/telemetry/runs", ctrl.Runs)
			r.Get("/telemetry/savings", ctrl.Savings)
			r.Get("/telemetry/health", ctrl.TelemetryHealth)
			r.Get("/mesh/stats", ctrl.MeshStats)
			r.Post("/mesh/sync", ctrl.MeshSync)
		}
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("RELAYPLANE_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
