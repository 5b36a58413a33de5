package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router for the connection-debugger
// aggregator API.
//
// Route layout:
//
//	GET /healthz                     – liveness probe (no authentication)
//	GET /metrics                     – Prometheus exposition (no authentication)
//	GET /connections                 – paginated connection query (JWT required)
//	GET /connections/{id}/messages   – paginated stream message query (JWT required)
//
//	GET /live                         – WebSocket live event feed (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /connections routes. Pass nil to disable JWT validation (useful in tests
// that cover only request parsing / response formatting).
//
// liveHandler is optional; when provided it is mounted at GET /live behind
// the same JWT middleware as the query routes. Omit it for deployments that
// don't need the live feed.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, liveHandler ...http.Handler) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health and metrics — no authentication.
	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated query routes.
	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/connections", srv.handleGetConnections)
		r.Get("/connections/{id}/messages", srv.handleGetConnectionMessages)

		if len(liveHandler) > 0 && liveHandler[0] != nil {
			r.Handle("/live", liveHandler[0])
		}
	})

	return r
}
