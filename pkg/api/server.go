// Package api exposes the orchestrator over HTTP: REST endpoints for
// the bundle lifecycle, a WebSocket stream for pipeline events, and the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appforge/forge/pkg/events"
	"github.com/appforge/forge/pkg/metrics"
	"github.com/appforge/forge/pkg/models"
	"github.com/appforge/forge/pkg/orchestrator"
	"github.com/appforge/forge/pkg/signer"
)

// Orchestrator is the pipeline surface the handlers call.
type Orchestrator interface {
	StartTask(req orchestrator.GenerateRequest) (*models.Task, error)
	GetTask(taskID string) (*models.Task, error)
	GetBundle(bundleID string) (*models.SignedBundle, error)
	SubmitApproval(taskID string, decision orchestrator.ApprovalDecision) error
	RetryValidation(ctx context.Context, taskID string, opts orchestrator.RetryValidationOptions) (*models.Task, error)
	Regenerate(parentTaskID, instructions string) (*models.Task, error)
}

// Config tunes the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	orch    Orchestrator
	connMgr *events.ConnectionManager
	signer  *signer.Signer
	metrics *metrics.Metrics
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer wires the HTTP server. connMgr, signer, and metrics may be
// nil; the corresponding endpoints degrade gracefully.
func NewServer(cfg Config, orch Orchestrator, connMgr *events.ConnectionManager,
	sig *signer.Signer, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		connMgr: connMgr,
		signer:  sig,
		metrics: m,
		logger:  logger,
	}
	// WebSocket connections are hijacked on upgrade, so the server
	// timeouts only govern plain HTTP exchanges.
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry, promhttp.HandlerOpts{})))
	}
	r.GET("/events", s.handleEvents)

	b := r.Group("/bundle")
	{
		b.POST("/generate", s.generateBundle)
		b.GET("/status/:taskId", s.taskStatus)
		b.GET("/:bundleId", s.getBundle)
		b.POST("/approval/:taskId", s.submitApproval)
		b.POST("/retry-validation/:taskId", s.retryValidation)
		b.POST("/regenerate/:taskId", s.regenerate)
	}

	r.GET("/public-key", s.publicKey)
	return r
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
