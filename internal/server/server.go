// Package server exposes the fixture controller to out-of-process test
// harnesses over HTTP: state inspection, DSN discovery, and snapshot/reset
// triggers, plus Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pastyface/dbsnap/internal/conf"
	"github.com/pastyface/dbsnap/internal/fixture"
	"github.com/pastyface/dbsnap/internal/runtime"
)

// Fixture is the controller surface the handlers drive.
type Fixture interface {
	State() fixture.State
	HasSnapshot() bool
	Handle() *runtime.Handle
	DSN() (string, error)
	URL() (string, error)
	Snapshot(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Server is the control-plane HTTP server.
type Server struct {
	echo *echo.Echo
	ctl  Fixture
	cfg  *conf.ServerSettings
	log  zerolog.Logger
}

// New builds the server and registers its routes. A nil registry disables
// the /metrics endpoint.
func New(cfg *conf.ServerSettings, ctl Fixture, reg *prometheus.Registry, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		ctl:  ctl,
		cfg:  cfg,
		log:  log.With().Str("component", "server").Logger(),
	}

	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1")
	v1.GET("/state", s.GetState)
	v1.GET("/dsn", s.GetDSN)
	v1.POST("/snapshot", s.PostSnapshot)
	v1.POST("/reset", s.PostReset)

	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	return s
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *Server) Serve() error {
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("control server listening")
	err := s.echo.Start(s.cfg.Addr())
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("control server shutting down")
	return s.echo.Shutdown(ctx)
}
