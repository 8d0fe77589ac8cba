// Package api contains the HTTP handlers for the workflow runtime REST API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openpsa/flowd/internal/engine"
	"github.com/openpsa/flowd/internal/ingest"
	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/services"
)

// HealthCheck probes one dependency; a non-nil error marks it unhealthy.
type HealthCheck func(ctx context.Context) error

// Server holds the dependencies for the API server.
type Server struct {
	Ingestor  *ingest.Ingestor
	Engine    *engine.Engine
	Store     repository.Store
	Workflows *services.WorkflowService
	Checks    map[string]HealthCheck
}

// NewServer creates a new Server.
func NewServer(ingestor *ingest.Ingestor, eng *engine.Engine, store repository.Store, workflows *services.WorkflowService, checks map[string]HealthCheck) *Server {
	return &Server{
		Ingestor:  ingestor,
		Engine:    eng,
		Store:     store,
		Workflows: workflows,
		Checks:    checks,
	}
}

// Register mounts middleware and routes on an echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", s.HandleHealth)

	v1 := e.Group("/api/v1")
	v1.POST("/events", s.SubmitEvent)
	v1.GET("/runs/:id", s.GetRun)
	v1.GET("/runs/:id/steps", s.GetRunSteps)
	v1.POST("/runs/:id/cancel", s.CancelRun)
	v1.POST("/workflows", s.CreateWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.POST("/workflows/:id/publish", s.PublishWorkflow)
	v1.POST("/workflows/:id/pin", s.PinWorkflow)
	v1.POST("/workflows/:id/unpin", s.UnpinWorkflow)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealth reports service health, probing each registered dependency.
func (s *Server) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "flowd",
		Checks:    make(map[string]string, len(s.Checks)),
	}
	code := http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[name] = "ok"
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// tenantID extracts the caller's tenant from the X-Tenant-ID header.
func tenantID(c echo.Context) string {
	return c.Request().Header.Get("X-Tenant-ID")
}
