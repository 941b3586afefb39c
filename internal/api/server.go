package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/playback"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

// CaptureControl is the capture surface the API drives.
type CaptureControl interface {
	Sources() []capture.SourceInfo
	Start(ctx context.Context, sourceID string) (*buffer.Session, error)
	Stop() error
	Status() capture.Status
}

// JobRunner reports queue activity.
type JobRunner interface {
	Status() catalog.RunnerStatus
}

// EventStream serves the websocket event feed.
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

type ServerConfig struct {
	Port       int
	Version    string
	OutputDir  string
	Service    catalog.ClipService
	Repository catalog.Repository
	Captures   CaptureControl
	Runner     JobRunner
	Doctor     *transcode.CachedDoctor
	Playback   playback.ClipServer
	Events     EventStream
	Logger     *slog.Logger
	StartTime  time.Time

	// BaseContext outlives requests; captures started over HTTP run under it.
	BaseContext context.Context
}

func (cfg ServerConfig) baseContext() context.Context {
	if cfg.BaseContext != nil {
		return cfg.BaseContext
	}
	return context.Background()
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
		cfg.Logger = logger
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			// No write timeout: wait=true exports and clip streams run long.
		},
		logger: logging.WithComponent(logger, "api"),
	}
}

// Listen binds the loopback address. Port 0 picks a free port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Start serves until Shutdown, binding first if Listen was not called.
func (s *Server) Start() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr is the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
