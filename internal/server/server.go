// Package server exposes the control API over HTTP: workflow lifecycle
// endpoints, a state query surface, per-workflow logs, health, and a
// websocket event feed
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/loomstack/loom/internal/client"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/internal/worker"
	"github.com/loomstack/loom/pkg/api"
)

// Server implements the HTTP control API
type Server struct {
	client *client.Client
	store  store.Store
	pool   *worker.Pool
	logger *slog.Logger
	http   *http.Server
}

// New creates a control API server. The pool may be nil when the process
// runs without workers; /health then omits pool stats
func New(
	cl *client.Client, st store.Store, pool *worker.Pool,
	logger *slog.Logger,
) *Server {
	return &Server{
		client: cl,
		store:  st,
		pool:   pool,
		logger: logger,
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)

	wf := router.Group("/workflows")
	{
		wf.POST("", s.startWorkflow)
		wf.GET("", s.listWorkflows)
		wf.GET("/:workflowID", s.inspectWorkflow)
		wf.GET("/:workflowID/state", s.getState)
		wf.POST("/:workflowID/signal", s.signalWorkflow)
		wf.POST("/:workflowID/cancel", s.cancelWorkflow)
		wf.GET("/:workflowID/logs", s.getLogs)
		wf.GET("/:workflowID/ws", s.handleWebSocket)
	}

	return router
}

// Start begins serving on addr. It returns once the listener stops
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.SetupRoutes(),
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down, waiting for in-flight requests up to the
// context deadline
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	res := gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.pool != nil {
		res["worker"] = s.pool.Stats()
	}
	c.JSON(http.StatusOK, res)
}

func abortError(c *gin.Context, status int, err error) {
	c.JSON(status, api.ErrorResponse{
		Error:  fmt.Sprintf("%v", err),
		Status: status,
	})
}
