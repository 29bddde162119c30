// Package api provides the HTTP status API of an EchoTrace server
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/network"
	"github.com/ZentaChain/echotrace/pkg/storage"
)

// Server represents the HTTP API server
type Server struct {
	node       *network.Server
	journal    *storage.Journal // nil when the journal is disabled
	router     *gin.Engine
	limiter    *RateLimiter
	address    string
	cfg        *Config
	log        *logging.Logger
	mu         sync.Mutex
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Address      string
	EnableCORS   bool
	RateLimit    int // Requests per minute, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogBackend   *log.Backend
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:7780",
		EnableCORS:   false,
		RateLimit:    300,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server for node. journal may be nil.
func NewServer(node *network.Server, journal *storage.Journal, config *Config) (*Server, error) {
	if node == nil {
		return nil, errors.New("api: nil network server")
	}
	if config == nil {
		config = DefaultConfig()
	}
	backend := config.LogBackend
	if backend == nil {
		backend = log.Discard()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		node:    node,
		journal: journal,
		router:  gin.New(),
		address: config.Address,
		cfg:     config,
		log:     backend.GetLogger("api"),
	}

	server.setupMiddleware(config, backend)
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupMiddleware(config *Config, backend *log.Backend) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.RecoveryWithWriter(backend.GetLogWriter("api", "ERROR")))
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/connections", s.handleConnections)
		v1.GET("/journal", s.handleJournal)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Noticef("HTTP API listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.stopLimiter()
		return err
	case <-ctx.Done():
	}

	s.log.Notice("Shutting down HTTP API")
	return s.Stop()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.stopLimiter()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) stopLimiter() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
