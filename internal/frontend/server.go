// Package frontend is the local HTTP surface: every dashboard and hook
// endpoint under /orgx, guarded to loopback origins.
package frontend

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/useorgx/orgx-local/internal/autocontinue"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/hub"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/nextup"
)

// Deps bundles everything the HTTP surface serves.
type Deps struct {
	Config    config.Config
	Mediator  *mediator.Mediator
	Builder   *graph.Builder
	Ranker    *nextup.Ranker
	Pins      *nextup.PinStore
	Engine    *dispatch.Engine
	Scheduler *autocontinue.Scheduler
	Registry  *hub.Registry
	Hub       *hub.Hub
	Metrics   *hub.Metrics
	Gatherer  prometheus.Gatherer

	// DashboardDir, when set, serves the dashboard SPA at /.
	DashboardDir string
	Version      string
}

// Server is the local control-plane HTTP server.
type Server struct {
	deps       Deps
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a Server from its dependencies.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, startedAt: time.Now()}
}

// Handler builds the full route tree.
func (srv *Server) Handler() http.Handler {
	requestLogger := httplog.NewLogger("orgx-local", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             srv.deps.Config.LogFormat == "json",
		Concise:          true,
		MessageFieldName: "msg",
	})

	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(withRecoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Route("/orgx", func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Use(withLoopbackOnly)
			srv.apiRoutes(r)
		})
		r.Handle("/metrics", promhttp.HandlerFor(srv.deps.Gatherer, promhttp.HandlerOpts{}))
	})

	if srv.deps.DashboardDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(srv.deps.DashboardDir)))
	}
	return r
}

// Serve runs the server until the context ends or a signal arrives.
func (srv *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(srv.deps.Config.Server.Host, strconv.Itoa(srv.deps.Config.Server.Port))
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "Server is starting", "addr", addr)
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "Failed to start server", "err", err)
		}
	}()

	srv.gracefulShutdown(ctx)
	return nil
}

// Shutdown stops the server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer != nil {
		logger.Info(ctx, "Server is shutting down", "addr", srv.httpServer.Addr)
		return srv.httpServer.Shutdown(ctx)
	}
	return nil
}

func (srv *Server) gracefulShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Context done, shutting down server")
	case <-quit:
		logger.Info(ctx, "Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Failed to shut down gracefully", "err", err)
	}
}
