// Package api hosts the HTTP control surface.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-call-orchestrator/internal/api/handlers"
	"github.com/acme/lead-call-orchestrator/internal/config"
)

// Server wraps the Fiber application.
type Server struct {
	app *fiber.App
	cfg config.HTTPConfig
}

// NewServer constructs the HTTP server around the handler set.
func NewServer(cfg config.HTTPConfig, hs *handlers.HandlerSet) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: hs.ErrorHandler,
	})
	app.Use(otelfiber.Middleware())
	hs.Register(app)

	return &Server{app: app, cfg: cfg}
}

// Start begins serving HTTP traffic and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
