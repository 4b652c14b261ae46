package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	regsso "github.com/regsso/regsso"
)

const callbackPath = "/-/oidc/callback"

// Server hosts the bridge endpoints on an echo instance.
type Server struct {
	engine *regsso.Engine
	cfg    regsso.Config
	logger *slog.Logger
	echo   *echo.Echo
}

// New wires the routes. Start must be called separately so tests can drive
// the handlers through Handler without a listener.
func New(engine *regsso.Engine, cfg regsso.Config, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		echo:   e,
	}

	e.PUT("/-/user/:user", s.handleLogin)
	e.GET("/-/whoami", s.handleWhoami)
	e.GET("/-/oidc/authorize", s.handleAuthorize)
	e.GET(callbackPath, s.handleCallback)

	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving on the configured listen address.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.cfg.Server.Listen)
	return s.echo.Start(s.cfg.Server.Listen)
}

// Shutdown drains in-flight requests, including held-open whoami polls.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// baseURL resolves the externally visible origin for redirect and callback
// URLs. The configured public URL wins; otherwise the request's forwarded
// protocol and host are trusted, matching how registries usually sit behind
// a reverse proxy.
func (s *Server) baseURL(c echo.Context) string {
	if s.cfg.Server.PublicURL != "" {
		return strings.TrimRight(s.cfg.Server.PublicURL, "/")
	}

	scheme := c.Scheme()
	if proto := c.Request().Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request().Host
}

func (s *Server) callbackURL(c echo.Context) string {
	return s.baseURL(c) + callbackPath
}
