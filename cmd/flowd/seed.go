package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/catalog"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/internal/services"
	"github.com/openpsa/flowd/pkg/models"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create sample published workflows for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context())
		},
	}
}

// runSeed publishes one sample workflow per configured tenant: comment on
// every created ticket, escalating when the subject flags urgency.
func runSeed(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	schemas := schema.NewRegistry(logger)
	registry := actions.NewRegistry()
	if err := catalog.RegisterSchemas(schemas, rt.cfg.Tenants...); err != nil {
		return err
	}
	if err := catalog.RegisterActions(registry, logger); err != nil {
		return err
	}
	workflows := services.NewWorkflowService(rt.store, schemas, registry, services.NewMemorySecretStore(), logger)

	for _, tenant := range rt.cfg.Tenants {
		if _, err := rt.store.LatestPublished(ctx, tenant, "comment-on-create"); err == nil {
			logger.Info("sample workflow already seeded", "tenant", tenant)
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		draft, err := workflows.CreateDraft(ctx, &models.WorkflowDefinition{
			TenantID:         tenant,
			Name:             "comment-on-create",
			TriggerEventName: "TICKET_CREATED",
			Steps: []models.Step{
				{
					ID:       "comment",
					Type:     models.StepActionCall,
					ActionID: "tickets.add_comment",
					Input: map[string]string{
						"ticket_id": "payload.ticket.id",
						"body":      "'hello from workflow'",
					},
					SaveAs: "comment",
				},
				{
					ID:        "maybe-escalate",
					Type:      models.StepConditional,
					Condition: "payload.ticket.priority == 'urgent'",
					Then: []models.Step{{
						ID:       "escalate",
						Type:     models.StepActionCall,
						ActionID: "tickets.escalate",
						Input: map[string]string{
							"ticket_id": "payload.ticket.id",
							"reason":    "payload.ticket.subject || 'urgent ticket'",
						},
					}},
				},
			},
		})
		if err != nil {
			return err
		}
		published, err := workflows.Publish(ctx, tenant, draft.ID)
		if err != nil {
			return err
		}
		logger.Info("sample workflow published", "tenant", tenant,
			"workflow", published.Name, "version", published.Version, "schema_ref", published.PayloadSchemaRef)
	}
	return nil
}
