// Package catalog registers the built-in event schemas and the fixture
// action implementations the runtime ships with. Real domain actions live in
// the PSA application and register through the same actions.Registry
// contract at process start.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/schema"
)

type catalogEntry struct {
	event string
	ref   string
	doc   schema.Document
}

func entries() []catalogEntry {
	return []catalogEntry{
		{
			event: "TICKET_CREATED",
			ref:   "payload.ticket_created.v1",
			doc: schema.Document{
				"type":     "object",
				"required": []any{"ticket"},
				"properties": map[string]any{
					"ticket": map[string]any{
						"type":     "object",
						"required": []any{"id"},
						"properties": map[string]any{
							"id":       map[string]any{"type": "number"},
							"subject":  map[string]any{"type": "string"},
							"priority": map[string]any{"type": "string"},
							"due_date": map[string]any{"type": "string"},
						},
					},
					"recipients": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"email": map[string]any{"type": "string"},
							},
						},
					},
				},
			},
		},
		{
			event: "INVOICE_PAID",
			ref:   "payload.invoice_paid.v1",
			doc: schema.Document{
				"type":     "object",
				"required": []any{"invoice"},
				"properties": map[string]any{
					"invoice": map[string]any{
						"type":     "object",
						"required": []any{"id", "amount"},
						"properties": map[string]any{
							"id":     map[string]any{"type": "number"},
							"amount": map[string]any{"type": "number"},
							"paid_at": map[string]any{
								"type": "string",
							},
						},
					},
				},
			},
		},
	}
}

// RegisterSchemas loads the catalog event schemas for each tenant.
func RegisterSchemas(reg *schema.Registry, tenants ...string) error {
	for _, tenant := range tenants {
		for _, entry := range entries() {
			if err := reg.RegisterCatalog(tenant, entry.event, entry.ref, entry.doc); err != nil {
				return fmt.Errorf("register catalog schema %s for %s: %w", entry.ref, tenant, err)
			}
		}
	}
	return nil
}

// RegisterActions loads the fixture action implementations. Their side
// effects are log lines; the invocation contract (input schema, classified
// errors, output) is the real one.
func RegisterActions(reg *actions.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fixture-actions")

	fixtures := map[string]actions.Func{
		"tickets.add_comment": {
			Schema: schema.Document{
				"type":     "object",
				"required": []any{"body"},
				"properties": map[string]any{
					"body":      map[string]any{"type": "string"},
					"ticket_id": map[string]any{"type": "number"},
				},
			},
			Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				log.Info("comment added", "ticket_id", input["ticket_id"], "body", input["body"])
				return map[string]any{"comment_id": uuid.New().String()}, nil
			},
		},
		"tickets.escalate": {
			Schema: schema.Document{
				"type":     "object",
				"required": []any{"ticket_id"},
				"properties": map[string]any{
					"ticket_id": map[string]any{"type": "number"},
					"reason":    map[string]any{"type": "string"},
				},
			},
			Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				log.Info("ticket escalated", "ticket_id", input["ticket_id"], "reason", input["reason"])
				return map[string]any{"escalated": true}, nil
			},
		},
		"notify.send": {
			Schema: schema.Document{
				"type":     "object",
				"required": []any{"to"},
				"properties": map[string]any{
					"to":      map[string]any{"type": "string"},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
			},
			Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				log.Info("notification sent", "to", input["to"], "subject", input["subject"])
				return map[string]any{"delivered": true}, nil
			},
		},
	}

	for id, fn := range fixtures {
		if err := reg.Register(id, 0, fn); err != nil {
			return fmt.Errorf("register action %s: %w", id, err)
		}
	}
	return nil
}
