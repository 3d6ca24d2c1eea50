// Package api serves the master's admin HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/thriftpool/internal/api/models"
	"github.com/smazurov/thriftpool/internal/logging"
	"github.com/smazurov/thriftpool/internal/version"
)

const shutdownTimeout = 3 * time.Second

// Backend is the master state the API reads and changes.
type Backend interface {
	MasterID() string
	Workers(ctx context.Context) ([]models.WorkerData, error)
	Listeners() []models.ListenerData
	// SetLogLevel applies level locally and broadcasts it to the workers,
	// returning how many workers received it.
	SetLogLevel(ctx context.Context, level string) (int, error)
}

// Options configures a Server.
type Options struct {
	Backend Backend
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// Server is the admin API.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
	backend    Backend
	logger     *slog.Logger
}

// NewServer creates the API and registers its routes.
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("thriftpool admin API", version.Get().Version)
	config.Info.Description = "Inspect and steer the worker pool of a thriftpool master"
	config.Servers = []*huma.Server{}

	api := humago.New(mux, config)
	api.UseMiddleware(HTTPLoggingMiddleware)

	s := &Server{
		api:     api,
		mux:     mux,
		backend: opts.Backend,
		logger:  logging.GetLogger("api"),
	}

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	s.registerRoutes()
	return s
}

// Name identifies the server in a lifecycle group.
func (s *Server) Name() string { return "api" }

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the Huma API instance.
func (s *Server) API() huma.API {
	return s.api
}

// Listen binds addr and serves in the background. Use Addr for the bound
// address when addr has port 0.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Admin API listening", "addr", ln.Addr().String())
	s.logger.Info("OpenAPI documentation available", "url", "http://"+ln.Addr().String()+"/docs")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, giving in-flight requests a short grace.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping admin API")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check that the master is serving",
		Tags:        []string{"health"},
		Errors:      []int{503},
	}, func(ctx context.Context, _ *struct{}) (*models.HealthResponse, error) {
		workers, err := s.backend.Workers(ctx)
		if err != nil {
			return nil, huma.Error503ServiceUnavailable("master is shutting down", err)
		}
		healthy := 0
		for _, w := range workers {
			if w.Healthy {
				healthy++
			}
		}
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:   "ok",
				MasterID: s.backend.MasterID(),
				Workers:  healthy,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerWorkerRoutes()
}
