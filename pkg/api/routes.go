package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.Auth.Basic.Enabled {
				r.Use(s.requireBasicAuth)
			}

			r.Group(func(r chi.Router) {
				if s.cfg.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(budgetQuery, s.cfg.RateLimit.RequestsPerMinute))
				}

				r.Get("/sweeps", s.handleListSweeps)
				r.Get("/sweeps/{sweepID}", s.handleGetSweep)
				r.Get("/sweeps/{sweepID}/runs", s.handleListRuns)
			})

			r.Group(func(r chi.Router) {
				if s.cfg.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(budgetReport, s.cfg.RateLimit.ReportBudget()))
				}

				r.Get("/sweeps/{sweepID}/report/{file}", s.handleReportFile)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
