// Package dashboard serves the cached GitLab state as a JSON API for the
// browser dashboard.
//
// Every read goes through the refresh orchestrators, so the response time of
// a request is bounded by the cache and not by GitLab: fresh and stale
// entries are answered immediately (stale ones refill in the background) and
// only absent entries wait on an upstream fetch. Responses carry the entry's
// freshness so the UI can show "updated 40s ago".
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipeboard/pipeboard/internal/appctx"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Clock clockwork.Clock // defaults to the real clock
}

// Server is the dashboard HTTP API.
type Server struct {
	app    *appctx.App
	clock  clockwork.Clock
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server over app.
func New(app *appctx.App, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		app:    app,
		clock:  opts.Clock,
		logger: app.Logger.With("component", "dashboard"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/servers", s.handleServers)
	s.mux.HandleFunc("GET /api/servers/{server}/structure", s.handleStructure)
	s.mux.HandleFunc("GET /api/servers/{server}/branches", s.handleBranches)
	s.mux.HandleFunc("GET /api/servers/{server}/pipeline", s.handlePipeline)
	s.mux.HandleFunc("GET /api/servers/{server}/estimate", s.handleEstimate)
	s.mux.HandleFunc("POST /api/servers/{server}/refresh", s.handleRefresh)

	s.mux.HandleFunc("GET /api/cache", s.handleCacheStatus)
	s.mux.HandleFunc("DELETE /api/cache/{tier}", s.handleCacheClear)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully:
// in-flight requests get shutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("dashboard shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", s.clock.Since(start))
	})
}
