// Package server implements the HTTP surface of the cache request engine
// (C8): one public narinfo/NAR/upload listener per configured cache plus a
// shared node-level orchestration API, grounded on the teacher's
// pkg/server chi router generalized from one node-wide cache to the
// cache.Registry's per-cache-port model (spec.md §4.3, §6).
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/dht"
)

// readHeaderTimeout bounds how long a listener waits to read request
// headers, matching the teacher's cmd/serve.go http.Server configuration.
const readHeaderTimeout = 10 * time.Second

// shutdownGrace bounds how long a listener waits for in-flight requests to
// finish once ctx is canceled (spec.md §5: "the HTTP server shuts down on
// interrupt").
const shutdownGrace = 5 * time.Second

// Server owns the per-cache public listeners and the shared API listener.
type Server struct {
	registry *cache.Registry
	dht      *dht.Runner
	apiAddr  string
}

// New returns a Server backed by registry, serving the node-level
// orchestration API (spec.md §6) on apiAddr.
func New(registry *cache.Registry, dhtRunner *dht.Runner, apiAddr string) *Server {
	return &Server{registry: registry, dht: dhtRunner, apiAddr: apiAddr}
}

// Run starts a public listener for every (cacheName, port) pair plus the
// API listener, blocking until ctx is canceled or any listener fails.
func (s *Server) Run(ctx context.Context, ports map[string]int) error {
	g, ctx := errgroup.WithContext(ctx)

	for name, port := range ports {
		name, addr := name, portAddr(port)

		g.Go(func() error {
			return s.runListener(ctx, addr, s.PublicHandler(name))
		})
	}

	g.Go(func() error {
		return s.runListener(ctx, s.apiAddr, s.APIHandler())
	})

	return g.Wait()
}

func portAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func (s *Server) runListener(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("elapsed", time.Since(startedAt)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request served")
		})
	}
}

// statusWriter records the status code written so requestLogger can report
// it, mirroring the teacher's middleware.WrapResponseWriter.
type statusWriter struct {
	http.ResponseWriter

	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
