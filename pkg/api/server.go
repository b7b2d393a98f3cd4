// Package api provides the HTTP admin API of an ADNL node
package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/storage"
)

// Transport is the datagram transport the API reports on
type Transport interface {
	Stats() network.TransportStats
	Peers() []*network.Peer
	Peer(id crypto.KeyID) (*network.Peer, bool)
	AddPeer(addr string, key ed25519.PublicKey) (*network.Peer, error)
	Ping(ctx context.Context, peer *network.Peer) (time.Duration, error)
}

// StreamServer is the TCP server the API reports on
type StreamServer interface {
	Stats() network.ServerStats
}

// PeerDirectory persists peers added through the API
type PeerDirectory interface {
	Save(p *storage.PeerRecord) error
	List() ([]*storage.PeerRecord, error)
}

// Server represents the HTTP admin API server
type Server struct {
	udp        Transport
	tcp        StreamServer
	book       PeerDirectory
	router     *gin.Engine
	logger     *zap.Logger
	addr       string
	startedAt  time.Time
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Addr         string
	EnableCORS   bool
	RateLimit    int // Requests per minute per client, 0 disables
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8080",
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the admin API. Any of udp, tcp and book may be nil, in
// which case the matching routes report the component as disabled.
func NewServer(config *Config, udp Transport, tcp StreamServer, book PeerDirectory) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		udp:       udp,
		tcp:       tcp,
		book:      book,
		router:    gin.New(),
		logger:    logger,
		addr:      config.Addr,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.setupMiddleware(config)
	s.setupRoutes(config)
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	s.router.Use(RequestIDMiddleware())
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(config.RateLimit, time.Minute)))
	}
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes(config *Config) {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
		}

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.POST("", s.handleAddPeer)
			peers.GET("/known", s.handleKnownPeers)
			peers.GET("/:id", s.handlePeer)
			peers.POST("/:id/ping", s.handlePing)
		}
	}

	s.router.GET("/health", s.handleHealth)

	if config.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, mostly for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API server starting", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
