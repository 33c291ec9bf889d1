package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/iac-studio/deployengine/internal/api/handlers"
	mw "github.com/iac-studio/deployengine/internal/api/middleware"
)

type Dependencies struct {
	DeploymentsHandler *handlers.DeploymentsHandler
	HealthHandler      *handlers.HealthHandler
	// Metrics is mounted at /metrics when set.
	Metrics     http.Handler
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS(dep.CORSOrigins))
	rps, burst := dep.RateLimit, dep.RateBurst
	if rps <= 0 {
		rps, burst = 10, 20
	}
	r.Use(mw.RateLimit(rps, burst))
	r.Use(chimid.Compress(5))

	hh := dep.HealthHandler
	if hh == nil {
		hh = handlers.NewHealthHandler(nil)
	}
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", dep.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.Identity)

		api.Route("/deployments", func(dr chi.Router) {
			dr.Get("/", dep.DeploymentsHandler.List)
			dr.Post("/", dep.DeploymentsHandler.Create)
			dr.Get("/{id}", dep.DeploymentsHandler.Get)
			dr.Get("/{id}/status", dep.DeploymentsHandler.Status)
			dr.Post("/{id}/stop", dep.DeploymentsHandler.Stop)
		})
	})

	return r
}
