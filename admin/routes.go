package admin

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/telemetry"
)

// RegisterRoutes registers the metrics endpoint, pprof and all admin API
// routes on mux.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/stats", handlers.handleStats)
	r.Get("/csn", handlers.handleCSN)
	r.Get("/sinval", handlers.handleSinval)
	r.Get("/waitevents", handlers.handleWaitEvents)
	r.Post("/checkpoint", handlers.handleCheckpoint)
	r.Post("/vacuum", handlers.handleVacuum)

	r.Route("/multixact", func(r chi.Router) {
		r.Get("/", handlers.handleMultiXactStats)
		r.Get("/{id}", handlers.handleMultiXactMembers)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
}
