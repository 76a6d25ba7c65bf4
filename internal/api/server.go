package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/candyconnect/candyconnect-core/internal/infrastructure/config"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/logging"
	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Cores is the part of the manager the API drives. *manager.Manager
// implements it.
type Cores interface {
	CoresInfo(ctx context.Context) ([]manager.CoreInfo, error)
	Core(ctx context.Context, id protocol.ID) (manager.CoreInfo, error)
	Do(ctx context.Context, rawID, action string) error
}

// LogSource returns recent operator log entries. status.Store implements it.
type LogSource interface {
	RecentLogs(ctx context.Context, limit int) ([]status.LogEntry, error)
}

// HealthChecker is implemented by the database and the MQTT client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger
	Cores  Cores
	Logs   LogSource

	// Health maps a component name to its check. Nil entries are skipped.
	Health map[string]HealthChecker

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the HTTP API server for CandyConnect Core.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	cores    Cores
	logs     LogSource
	health   map[string]HealthChecker
	gatherer prometheus.Gatherer
	version  string
	server   *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Cores == nil {
		return nil, fmt.Errorf("core manager is required")
	}
	if deps.Logs == nil {
		return nil, fmt.Errorf("log source is required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		cores:    deps.Cores,
		logs:     deps.Logs,
		health:   deps.Health,
		gatherer: gatherer,
		version:  deps.Version,
	}, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. A bind
// failure such as a port in use is returned here.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", s.server.Addr)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
