package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openpsa/flowd/pkg/models"
)

// SubmitEventRequest is the body of an event submission.
type SubmitEventRequest struct {
	EventName        string         `json:"eventName"`
	CorrelationKey   string         `json:"correlationKey"`
	PayloadSchemaRef string         `json:"payloadSchemaRef,omitempty"`
	Payload          map[string]any `json:"payload"`
}

// SubmitEventResponse acknowledges an accepted or duplicate event.
type SubmitEventResponse struct {
	Accepted  bool     `json:"accepted"`
	Duplicate bool     `json:"duplicate,omitempty"`
	EventID   string   `json:"eventId"`
	RunIDs    []string `json:"runIds"`
}

// ValidationProblem is the 400 body for a payload that does not conform to
// its schema.
type ValidationProblem struct {
	SchemaRef string         `json:"schemaRef"`
	Issues    []models.Issue `json:"issues"`
}

// SubmitEvent ingests a business event.
// (POST /api/v1/events)
func (s *Server) SubmitEvent(c echo.Context) error {
	var req SubmitEventRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}

	event := &models.Event{
		TenantID:         tenantID(c),
		Name:             req.EventName,
		CorrelationKey:   req.CorrelationKey,
		PayloadSchemaRef: req.PayloadSchemaRef,
		Payload:          req.Payload,
	}

	result, err := s.Ingestor.Ingest(c.Request().Context(), event)
	if err != nil {
		var dup *models.DuplicateEventError
		if errors.As(err, &dup) {
			// stable duplicate response: same event, same runs, no new side effects
			return c.JSON(http.StatusOK, SubmitEventResponse{
				Accepted:  true,
				Duplicate: true,
				EventID:   dup.EventID,
				RunIDs:    dup.RunIDs,
			})
		}
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, ValidationProblem{SchemaRef: ve.SchemaRef, Issues: ve.Issues})
		}
		return problem(c, http.StatusInternalServerError, "Ingestion failed", err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitEventResponse{
		Accepted: true,
		EventID:  result.EventID,
		RunIDs:   result.RunIDs,
	})
}
