package server

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server wraps the echo instance with lifecycle management.
type Server struct {
	e    *echo.Echo
	addr string
}

// New creates the HTTP server.
func New(port int, h *Handlers) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	e.Server.ReadTimeout = 15 * time.Second
	e.Server.WriteTimeout = 60 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	RegisterRoutes(e, h)

	return &Server{e: e, addr: fmt.Sprintf(":%d", port)}
}

// Start begins serving; blocks until shutdown.
func (s *Server) Start() error {
	return s.e.Start(s.addr)
}

// Shutdown drains in-flight requests with a bounded timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}
