// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/editnori/metamapctl/internal/config"
	"github.com/editnori/metamapctl/internal/middleware"
)

// NewRouter builds the full Monitoring API route tree around handler,
// gated by cfg's CORS/swagger/bearer-token toggles.
func NewRouter(handler *Handler, cfg config.APIConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(adaptHandlerFunc(middleware.RequestID))
	r.Use(adaptHandlerFunc(middleware.Compression))
	r.Use(adaptHandlerFunc(middleware.PrometheusMetrics))

	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Use(httprate.LimitByIP(120, time.Minute))

	// Liveness is intentionally outside the bearer-token gate: orchestrators
	// (systemd, Docker healthchecks) poll it without credentials.
	r.Get("/healthz", handler.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.BearerToken))

		r.Route("/v1/jobs/{id}", func(r chi.Router) {
			r.Get("/", handler.GetJob)
			r.Get("/manifest/stats", handler.GetManifestStats)
			r.Post("/cancel", handler.CancelJob)
			r.Post("/retry", handler.RetryJob)
		})

		r.Get("/v1/services", handler.GetServices)
		r.Get("/v1/events", handler.Events)
	})

	if cfg.EnableSwagger {
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
			httpSwagger.DeepLinking(true),
		))
	}

	return r
}

// adaptHandlerFunc lifts one of this module's http.HandlerFunc-style
// middlewares into Chi's func(http.Handler) http.Handler shape.
func adaptHandlerFunc(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}
