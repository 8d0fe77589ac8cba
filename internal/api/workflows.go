package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openpsa/flowd/pkg/models"
)

// CreateWorkflow stores a new draft definition version.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return problem(c, http.StatusUnauthorized, "Missing tenant", "X-Tenant-ID header is required")
	}

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	def.TenantID = tenant

	draft, err := s.Workflows.CreateDraft(c.Request().Context(), &def)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid workflow definition", err.Error())
	}
	return c.JSON(http.StatusCreated, draft)
}

// GetWorkflow returns one definition version.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	def, err := s.Store.GetDefinition(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Workflow not found", err.Error())
		}
		return problem(c, http.StatusInternalServerError, "Failed to load workflow", err.Error())
	}
	return c.JSON(http.StatusOK, def)
}

// PublishWorkflow validates and freezes a draft's contract.
// (POST /api/v1/workflows/:id/publish)
func (s *Server) PublishWorkflow(c echo.Context) error {
	published, err := s.Workflows.Publish(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		var contractErr *models.SchemaContractError
		if errors.As(err, &contractErr) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"reasons": contractErr.Reasons,
			})
		}
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Workflow not found", err.Error())
		}
		return problem(c, http.StatusConflict, "Cannot publish workflow", err.Error())
	}
	return c.JSON(http.StatusOK, published)
}

// PinRequest names the catalog ref a draft pins its contract to.
type PinRequest struct {
	SchemaRef string `json:"schemaRef"`
}

// PinWorkflow pins a draft to an explicit catalog schema ref.
// (POST /api/v1/workflows/:id/pin)
func (s *Server) PinWorkflow(c echo.Context) error {
	var req PinRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	def, err := s.Workflows.Pin(c.Request().Context(), tenantID(c), c.Param("id"), req.SchemaRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Unknown workflow or schema ref", err.Error())
		}
		return problem(c, http.StatusConflict, "Cannot pin workflow", err.Error())
	}
	return c.JSON(http.StatusOK, def)
}

// UnpinWorkflow reverts a pinned draft to inferred mode.
// (POST /api/v1/workflows/:id/unpin)
func (s *Server) UnpinWorkflow(c echo.Context) error {
	def, err := s.Workflows.Unpin(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Workflow not found", err.Error())
		}
		return problem(c, http.StatusConflict, "Cannot unpin workflow", err.Error())
	}
	return c.JSON(http.StatusOK, def)
}
