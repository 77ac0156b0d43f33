// Package ops serves the optional operator endpoints: liveness,
// readiness, Prometheus metrics and the telemetry summary. It never
// exposes tool calls.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keboola/osiris-sub007/internal/telemetry"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Stats returns the running telemetry aggregate.
type Stats interface {
	Snapshot() telemetry.Summary
}

// Options configures the router.
type Options struct {
	Gatherer prometheus.Gatherer
	Stats    Stats
	Checks   map[string]Check
	Log      *zap.Logger
}

// Router builds the ops routes.
func Router(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		failed := map[string]string{}
		for name, check := range opts.Checks {
			if err := check(r.Context()); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Stats != nil {
		r.Get("/telemetry", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, opts.Stats.Snapshot())
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server is the ops HTTP listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Listen binds addr. Serving starts with Serve.
func Listen(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ln:  ln,
		log: log,
		srv: &http.Server{
			Handler:           Router(opts),
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve runs until Shutdown.
func (s *Server) Serve() {
	s.log.Info("ops listener starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("ops listener failed", zap.Error(err))
	}
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
