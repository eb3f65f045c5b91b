package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/orchestrator"
	"github.com/vanman2024/agentswarm/internal/workflow"
)

// ServerConfig holds status API server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Environment  string
}

// Services holds the subsystems the API reads from
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Engine       *workflow.Engine
	Monitor      *workflow.Monitor
	Store        workflow.ExecutionStore
	Registry     *workflow.Registry

	// RunWorkflow starts a workflow execution asynchronously and returns
	// its id; the app wires this to the engine with a live executor.
	RunWorkflow func(def *workflow.Definition, initialContext map[string]any) (string, error)
}

// Server is the JSON status and monitoring API
type Server struct {
	router   *gin.Engine
	server   *http.Server
	config   *ServerConfig
	services *Services
	logger   *log.Logger
}

// NewServer creates the status API server
func NewServer(config *ServerConfig, services *Services, logger *log.Logger) *Server {
	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	s := &Server{
		router:   router,
		config:   config,
		services: services,
		logger:   logger,
	}

	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)

		v1.GET("/deployments", s.listDeployments)
		v1.POST("/deployments", s.createDeployment)
		v1.GET("/deployments/:id", s.getDeployment)
		v1.POST("/deployments/:id/scale", s.scaleDeployment)
		v1.DELETE("/deployments/:id", s.shutdownDeployment)

		v1.GET("/workflows", s.listWorkflows)
		v1.POST("/workflows/:name/executions", s.startExecution)

		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
		v1.DELETE("/executions/:id", s.deleteExecution)
		v1.POST("/executions/:id/cancel", s.cancelExecution)
		v1.GET("/executions/:id/metrics", s.executionMetrics)

		v1.GET("/metrics", s.systemMetrics)
	}
}

// Start begins serving; it blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting status API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status API server")
	return s.server.Shutdown(ctx)
}
