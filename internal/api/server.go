package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/config"
	"github.com/praxis/agent-registry-go/internal/did"
	"github.com/praxis/agent-registry-go/internal/did/iden3"
	"github.com/praxis/agent-registry-go/internal/indexer"
	"github.com/praxis/agent-registry-go/internal/metrics"
	"github.com/praxis/agent-registry-go/internal/ratelimit"
	"github.com/praxis/agent-registry-go/internal/registration"
)

// Dependencies are the collaborators the HTTP API serves.
type Dependencies struct {
	Codec    iden3.Codec
	Resolver did.Resolver
	Builder  *registration.Builder
	Verifier *registration.Verifier
	// Signer is the server's own agent key; nil disables POST /v1/registrations.
	Signer registration.Signer
	// Registrations is the indexer store; nil disables GET /v1/agents/:address/registrations.
	Registrations indexer.Store

	Agent   config.AgentConfig
	Limiter *ratelimit.Limiter
	Logger  *logrus.Logger

	Metrics *metrics.Collector
	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// APIServer provides the registry HTTP API
type APIServer struct {
	deps       Dependencies
	config     *config.HTTPConfig
	httpServer *http.Server
	router     *gin.Engine
	logger     *logrus.Logger
}

// NewAPIServer creates a new API server
func NewAPIServer(deps Dependencies, cfg *config.HTTPConfig) *APIServer {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger, deps.Metrics))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &APIServer{
		deps:   deps,
		config: cfg,
		router: router,
		logger: deps.Logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler { return s.router }

// Start starts the API server
func (s *APIServer) Start() error {
	if !s.config.Enabled {
		s.logger.Info("HTTP server is disabled")
		return nil
	}

	s.logger.Infof("Starting HTTP server on %s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the API server
func (s *APIServer) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func (s *APIServer) registerRoutes() {
	s.router.GET("/healthz", s.getHealth)
	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.GetRegistry(), promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1", rateLimit(s.deps.Limiter))
	v1.POST("/dids", s.createDID)
	v1.GET("/dids/:did", s.getDID)
	v1.GET("/dids/:did/document", s.getDIDDocument)

	v1.POST("/registrations/typed-data", s.typedData)
	v1.POST("/registrations", s.createRegistration)
	v1.POST("/registrations/verify", s.verifyRegistration)

	if s.deps.Registrations != nil {
		v1.GET("/agents/:address/registrations", s.listRegistrations)
	}
}
