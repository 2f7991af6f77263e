package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pastyface/dbsnap/internal/fixture"
)

type containerInfo struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type stateResponse struct {
	State       string         `json:"state"`
	Snapshotted bool           `json:"snapshotted"`
	Container   *containerInfo `json:"container,omitempty"`
}

type endpointResponse struct {
	DSN string `json:"dsn"`
	URL string `json:"url"`
}

type snapshotResponse struct {
	ImageID string `json:"image_id"`
	State   string `json:"state"`
}

// Health answers whether the live database accepts queries.
func (s *Server) Health(ctx echo.Context) error {
	if err := s.ctl.HealthCheck(ctx.Request().Context()); err != nil {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetState returns the fixture state and the live container, if any.
func (s *Server) GetState(ctx echo.Context) error {
	resp := stateResponse{
		State:       s.ctl.State().String(),
		Snapshotted: s.ctl.HasSnapshot(),
	}
	if h := s.ctl.Handle(); h != nil {
		resp.Container = &containerInfo{ID: h.ID, Host: h.Host, Port: h.Port}
	}
	return ctx.JSON(http.StatusOK, resp)
}

// GetDSN returns the connection strings for the live container so external
// harnesses can connect without computing ports themselves.
func (s *Server) GetDSN(ctx echo.Context) error {
	dsn, err := s.ctl.DSN()
	if err != nil {
		return s.handleError(ctx, err, "failed to derive DSN")
	}
	url, err := s.ctl.URL()
	if err != nil {
		return s.handleError(ctx, err, "failed to derive URL")
	}
	return ctx.JSON(http.StatusOK, endpointResponse{DSN: dsn, URL: url})
}

// PostSnapshot captures the snapshot image. Idempotent: once a snapshot
// exists, the existing image ID is returned.
func (s *Server) PostSnapshot(ctx echo.Context) error {
	imageID, err := s.ctl.Snapshot(ctx.Request().Context())
	if err != nil {
		return s.handleError(ctx, err, "failed to capture snapshot")
	}
	return ctx.JSON(http.StatusOK, snapshotResponse{
		ImageID: imageID,
		State:   s.ctl.State().String(),
	})
}

// PostReset rolls the database back to the snapshot image.
func (s *Server) PostReset(ctx echo.Context) error {
	if err := s.ctl.Reset(ctx.Request().Context()); err != nil {
		return s.handleError(ctx, err, "failed to reset database")
	}
	return ctx.JSON(http.StatusOK, stateResponse{
		State:       s.ctl.State().String(),
		Snapshotted: s.ctl.HasSnapshot(),
	})
}

// handleError maps fixture lifecycle errors to conflict responses and
// everything else to an internal error.
func (s *Server) handleError(ctx echo.Context, err error, msg string) error {
	status := http.StatusInternalServerError
	if errors.Is(err, fixture.ErrNotInitialized) || errors.Is(err, fixture.ErrNoSnapshot) {
		status = http.StatusConflict
	}
	s.log.Error().Err(err).Msg(msg)
	return ctx.JSON(status, map[string]string{
		"error":  msg,
		"detail": err.Error(),
	})
}
