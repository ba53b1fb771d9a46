// Package httpapi implements the HTTP surface (spec §6): the channel
// listing, fMP4 and HLS stream endpoints, and the Prometheus metrics
// endpoint, grounded on the teacher's chi-based routers (e.g.
// internal/control/http/v3/router_v3.go) and httprate rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fbxstream/fbxstream/internal/catalog"
	"github.com/fbxstream/fbxstream/internal/registry"
	"github.com/fbxstream/fbxstream/internal/xlog"
)

// Server wires the Registry and Catalog into chi routes.
type Server struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	cfg      Config
}

// Config holds the per-request timeouts the HTTP layer enforces.
type Config struct {
	StartupTimeout time.Duration
	WebUIDir       string // optional; "" disables GET /
}

// NewServer builds the router. The returned handler is ready to pass to
// http.Server.Handler.
func NewServer(reg *registry.Registry, cat *catalog.Catalog, cfg Config) http.Handler {
	s := &Server{registry: reg, catalog: cat, cfg: cfg}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(20, time.Second))

	r.Get("/channels", s.handleChannels)
	r.Get("/stream/{id}.mp4", s.handleFmp4Stream)
	r.Get("/stream/{id}.m3u8", s.handleHLSPlaylist)
	r.Get("/stream/{id}/{segment}.ts", s.handleHLSSegment)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.WebUIDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.WebUIDir)))
	}

	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := xlog.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
