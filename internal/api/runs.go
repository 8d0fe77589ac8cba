package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openpsa/flowd/pkg/models"
)

// GetRun returns one run record.
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Run not found", err.Error())
		}
		return problem(c, http.StatusInternalServerError, "Failed to load run", err.Error())
	}
	if run.TenantID != tenantID(c) {
		return problem(c, http.StatusNotFound, "Run not found", "no run with that id")
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunSteps returns a run's step invocation trace in execution order.
// (GET /api/v1/runs/:id/steps)
func (s *Server) GetRunSteps(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.Store.GetRun(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Run not found", err.Error())
		}
		return problem(c, http.StatusInternalServerError, "Failed to load run", err.Error())
	}
	if run.TenantID != tenantID(c) {
		return problem(c, http.StatusNotFound, "Run not found", "no run with that id")
	}
	steps, err := s.Store.ListSteps(ctx, run.ID)
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Failed to load steps", err.Error())
	}
	return c.JSON(http.StatusOK, steps)
}

// CancelRun cancels a non-terminal run.
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.Store.GetRun(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Run not found", err.Error())
		}
		return problem(c, http.StatusInternalServerError, "Failed to load run", err.Error())
	}
	if run.TenantID != tenantID(c) {
		return problem(c, http.StatusNotFound, "Run not found", "no run with that id")
	}
	if err := s.Engine.Cancel(ctx, run.ID); err != nil {
		return problem(c, http.StatusConflict, "Cannot cancel run", err.Error())
	}
	canceled, err := s.Store.GetRun(ctx, run.ID)
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Failed to load run", err.Error())
	}
	return c.JSON(http.StatusOK, canceled)
}
