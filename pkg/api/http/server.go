package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/pipengine/internal/application/orchestrator"
	"github.com/aescanero/pipengine/internal/application/workers"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the orchestration engine as seen by the API
type Engine interface {
	StartPlan(ctx context.Context, plan *domain.Plan, inputs map[string]interface{}) (*domain.PlanExecution, error)
	PlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	NodeExecution(ctx context.Context, id string) (*domain.NodeExecution, error)
	NodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error)
	Barrier(ctx context.Context, planExecutionID, identifier string) (*domain.BarrierExecutionInstance, error)
	AbortPlan(ctx context.Context, planExecutionID string) error
	AbortNode(ctx context.Context, nodeExecutionID string) error
	HandleIntervention(ctx context.Context, nodeExecutionID string, action orchestrator.InterventionAction) error
	Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// HealthReporter reports worker pool health
type HealthReporter interface {
	Report() *workers.Report
}

// Server represents the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	engine   Engine
	health   HealthReporter
	validate *validator.Validate
	logger   *zap.Logger
}

// Config holds HTTP server configuration. Metrics defaults to the
// default Prometheus registry.
type Config struct {
	Port    int
	Engine  Engine
	Health  HealthReporter
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:   router,
		engine:   cfg.Engine,
		health:   cfg.Health,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger,
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s.setupRoutes(metrics)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/plans", s.handleStartPlan)
		v1.GET("/plans/:id", s.handleGetPlan)
		v1.GET("/plans/:id/nodes", s.handleListNodes)
		v1.POST("/plans/:id/abort", s.handleAbortPlan)

		v1.GET("/nodes/:id", s.handleGetNode)
		v1.POST("/nodes/:id/abort", s.handleAbortNode)
		v1.POST("/nodes/:id/intervention", s.handleIntervention)

		v1.GET("/barriers/:plan/:identifier", s.handleGetBarrier)

		v1.POST("/tasks/:id/response", s.handleTaskResponse)
	}
}

// SetupWebSocket routes plan event streams to handler
func (s *Server) SetupWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/plans/:id/ws", handler)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
