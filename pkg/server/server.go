// Package server provides the HTTP admin surface for supportd.
//
// This package implements a graceful HTTP server with Echo router, health
// and metrics endpoints, and read-only views over channels, conversations
// and their audit trails.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/store"
)

// Server is the admin HTTP server.
type Server struct {
	cfg      config.ServerConfig
	channels *config.Channels
	store    *store.Store
	auditLog audit.Log
	echo     *echo.Echo
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ChannelView is the read-only channel listing. Secrets and recipients are
// not exposed.
type ChannelView struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Enabled              bool     `json:"enabled"`
	ActionWhitelist      []string `json:"action_whitelist"`
	FirstResponseMinutes int      `json:"first_response_minutes"`
	ResolutionMinutes    int      `json:"resolution_minutes"`
}

// ConversationView is the admin view of one conversation.
type ConversationView struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.Message     `json:"messages"`
	Feedback     []store.Feedback    `json:"feedback"`
	Audit        []audit.Entry       `json:"audit"`
}

// NewServer creates the admin server.
func NewServer(cfg config.ServerConfig, channels *config.Channels, st *store.Store, auditLog audit.Log) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:      cfg,
		channels: channels,
		store:    st,
		auditLog: auditLog,
		echo:     e,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/channels", s.handleChannels)
	s.echo.GET("/conversations/:id", s.handleConversation)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "supportd",
	})
}

func (s *Server) handleChannels(c echo.Context) error {
	channels := s.channels.Snapshot().List()
	views := make([]ChannelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, ChannelView{
			ID:                   ch.ID,
			Name:                 ch.Name,
			Enabled:              ch.Enabled,
			ActionWhitelist:      ch.ActionWhitelist,
			FirstResponseMinutes: ch.FirstResponseMinutes,
			ResolutionMinutes:    ch.ResolutionMinutes,
		})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleConversation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	msgs, err := s.store.Messages(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	fbs, err := s.store.Feedback(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entries, err := s.auditLog.Entries(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, ConversationView{
		Conversation: conv,
		Messages:     msgs,
		Feedback:     fbs,
		Audit:        entries,
	})
}

// Start starts the server and blocks until the context is cancelled, then
// performs graceful shutdown with the configured timeout. Returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
