// Package ops is the operator HTTP listener served by worker processes:
// queue inspection and replay under /api/v1, plus /healthz and Prometheus
// /metrics. It is an internal surface — deploy it on a private address.
package ops

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/conveyor/internal/store"
)

// Server holds the dependencies for the ops HTTP layer.
type Server struct {
	store   *store.Store
	limiter *rate.Limiter
}

// NewServer creates a Server. ratePerSecond/burst bound the whole listener
// with one shared token bucket; this surface has no per-client identity.
func NewServer(st *store.Store, ratePerSecond float64, burst int) *Server {
	return &Server{
		store:   st,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.rateLimit)
	api := humachi.New(apiRouter, huma.DefaultConfig("Conveyor Ops", "1.0.0"))
	registerItemRoutes(api, srv)
	r.Mount("/", apiRouter)

	return r
}

func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.Ping(r.Context()); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
