// Package gateway exposes the session-mediation API over HTTP: session
// lifecycle routes, a Server-Sent Events stream per session, and a small
// file-status surface, all behind echo/v5.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/ridafkih/agent-session-gateway/internal/agentsession"
	"github.com/ridafkih/agent-session-gateway/internal/config"
	"github.com/ridafkih/agent-session-gateway/internal/monitor"
	"github.com/ridafkih/agent-session-gateway/internal/store"
)

// Server wires the HTTP surface to the Manager, Monitor, and repositories.
type Server struct {
	echo *echo.Echo

	cfg        config.ServerConfig
	sessionCfg config.SessionConfig
	manager    *agentsession.Manager
	mon        *monitor.Monitor

	sessions    *store.SessionsRepo
	events      *store.EventsRepo
	metadata    *store.MetadataRepo
	checkpoints *store.CheckpointRepo
	tasks       *store.TasksRepo
	requests    *RequestRouter

	logger *slog.Logger
}

// NewServer constructs the echo application and registers every route.
func NewServer(
	cfg config.ServerConfig,
	sessionCfg config.SessionConfig,
	manager *agentsession.Manager,
	mon *monitor.Monitor,
	sessions *store.SessionsRepo,
	events *store.EventsRepo,
	metadata *store.MetadataRepo,
	checkpoints *store.CheckpointRepo,
	tasks *store.TasksRepo,
	requests *RequestRouter,
	logger *slog.Logger,
) *Server {
	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		sessionCfg:  sessionCfg,
		manager:     manager,
		mon:         mon,
		sessions:    sessions,
		events:      events,
		metadata:    metadata,
		checkpoints: checkpoints,
		tasks:       tasks,
		requests:    requests,
		logger:      logger,
	}

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.CORS("*"))
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders)
	s.echo.Use(requireLabSessionHeader)

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	s.echo.POST("/sessions", s.handleCreateSession)
	s.echo.DELETE("/sessions", s.handleDeleteSession)
	s.echo.POST("/messages", s.handleSendMessage)
	s.echo.POST("/model", s.handleSetModel)
	s.echo.POST("/cancel", s.handleCancel)
	s.echo.GET("/events", s.handleEvents)
	s.echo.GET("/history", s.handleHistory)
	s.echo.POST("/replay-checkpoint", s.handleSaveCheckpoint)
	s.echo.GET("/replay-checkpoint", s.handleGetCheckpoint)
	s.echo.GET("/agents", s.handleListAgents)
	s.echo.GET("/models", s.handleListModels)
	s.echo.POST("/questions/:id/reply", s.handleQuestionReply)
	s.echo.POST("/questions/:id/reject", s.handleQuestionReject)
	s.echo.POST("/permissions/:id/reply", s.handlePermissionReply)

	s.echo.GET("/files/status", s.handleFilesStatus)
	s.echo.GET("/files/status/stream", s.handleFilesStatusStream)
	s.echo.GET("/files/list", s.handleFilesList)
	s.echo.GET("/files/read", s.handleFilesRead)
}

// Start runs the HTTP listener until ctx is canceled. Echo is mounted as
// the handler of a plain http.Server so read/write deadlines and graceful
// shutdown stay under the gateway's control.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
