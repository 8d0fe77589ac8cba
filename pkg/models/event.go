package models

import (
	"fmt"
	"time"
)

// Event is one inbound trigger. CorrelationKey is the caller-supplied
// idempotency token, unique per tenant and event name.
type Event struct {
	ID               string         `json:"id" db:"id"`
	TenantID         string         `json:"tenant_id" db:"tenant_id"`
	Name             string         `json:"name" db:"name"`
	CorrelationKey   string         `json:"correlation_key" db:"correlation_key"`
	PayloadSchemaRef string         `json:"payload_schema_ref" db:"payload_schema_ref"`
	Payload          map[string]any `json:"payload" db:"payload"`
	ReceivedAt       time.Time      `json:"received_at" db:"received_at"`
}

// DedupKey is the identity under which duplicate deliveries of the same
// event are recognized.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", e.TenantID, e.Name, e.CorrelationKey)
}
