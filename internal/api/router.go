package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ikanisa/easymo-sub022/internal/api/middleware"
)

// NewRouter builds the operational HTTP surface of a pipeline process.
// When idem is set, write routes honour the Idempotency-Key header.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer, idem middleware.Executor) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.RequestID)
	r.Use(ChiMiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/ready", h.Ready)

	routes := []string{"GET /health", "GET /ready", "GET /metrics"}

	if h.stats != nil {
		r.Get("/stats", h.Stats)
		routes = append(routes, "GET /stats")
	}
	if h.records != nil {
		r.Get("/idempotency/{key}", h.GetRecord)
		routes = append(routes, "GET /idempotency/{key}")
	}
	if h.deadLetters != nil {
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", h.ListDeadLetters)
			if idem != nil {
				r.With(middleware.Idempotency(idem)).Post("/{id}/resolve", h.ResolveDeadLetter)
			} else {
				r.Post("/{id}/resolve", h.ResolveDeadLetter)
			}
		})
		routes = append(routes, "GET /dead-letters", "POST /dead-letters/{id}/resolve")
	}

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	slog.Debug("registered ops routes", "routes", routes)

	return r
}
