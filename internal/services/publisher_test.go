package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/pkg/models"
)

func triggerSchema() schema.Document {
	return schema.Document{
		"type": "object",
		"properties": map[string]any{
			"ticket": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":      map[string]any{"type": "number"},
					"subject": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func commentInputSchema() schema.Document {
	return schema.Document{
		"type":     "object",
		"required": []any{"body"},
		"properties": map[string]any{
			"body":      map[string]any{"type": "string"},
			"ticket_id": map[string]any{"type": "number"},
		},
	}
}

type publisherFixture struct {
	svc     *WorkflowService
	store   *repository.MemoryStore
	schemas *schema.Registry
	secrets *MemorySecretStore
}

func newPublisherFixture(t *testing.T) *publisherFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", triggerSchema()))

	registry := actions.NewRegistry()
	require.NoError(t, registry.Register("tickets.add_comment", 0, actions.Func{
		Schema: commentInputSchema(),
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}))

	secrets := NewMemorySecretStore()
	return &publisherFixture{
		svc:     NewWorkflowService(store, schemas, registry, secrets, nil),
		store:   store,
		schemas: schemas,
		secrets: secrets,
	}
}

func draftDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		TenantID:         "t1",
		Name:             "comment-on-create",
		TriggerEventName: "TICKET_CREATED",
		Steps: []models.Step{{
			ID:       "comment",
			Type:     models.StepActionCall,
			ActionID: "tickets.add_comment",
			Input: map[string]string{
				"body":      "'hello from workflow'",
				"ticket_id": "payload.ticket.id",
			},
		}},
	}
}

func TestCreateDraftAssignsVersion(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Version)
	assert.Equal(t, models.DefinitionStatusDraft, draft.Status)
	assert.Equal(t, models.SchemaModeInferred, draft.PayloadSchemaMode)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)

	next, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version, "next draft succeeds the published version")
}

func TestPublishInferredFreezesSnapshot(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)

	published, err := f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusPublished, published.Status)
	assert.NotEmpty(t, published.PayloadSchemaRef)
	assert.NotEqual(t, "payload.ticket_created.v1", published.PayloadSchemaRef, "inferred mode freezes a snapshot ref")
	require.NotNil(t, published.PublishedAt)

	frozenRef := published.PayloadSchemaRef
	frozen, err := f.schemas.ResolveDocument("t1", frozenRef)
	require.NoError(t, err)

	// mutating the catalog schema afterwards must not touch the frozen contract
	require.NoError(t, f.schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", schema.Document{
		"type":     "object",
		"required": []any{"something_new"},
	}))
	after, err := f.schemas.ResolveDocument("t1", frozenRef)
	require.NoError(t, err)
	assert.Equal(t, frozen, after)

	stored, err := f.store.GetDefinition(ctx, "t1", published.ID)
	require.NoError(t, err)
	assert.Equal(t, frozenRef, stored.PayloadSchemaRef)
}

func TestPublishPinnedKeepsRef(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)

	pinned, err := f.svc.Pin(ctx, "t1", draft.ID, "payload.ticket_created.v1")
	require.NoError(t, err)
	assert.Equal(t, models.SchemaModePinned, pinned.PayloadSchemaMode)

	published, err := f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "payload.ticket_created.v1", published.PayloadSchemaRef)
}

func TestPinIsReversible(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)

	_, err = f.svc.Pin(ctx, "t1", draft.ID, "payload.ticket_created.v1")
	require.NoError(t, err)
	reverted, err := f.svc.Unpin(ctx, "t1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SchemaModeInferred, reverted.PayloadSchemaMode)
	assert.Empty(t, reverted.PayloadSchemaRef)

	// unknown refs cannot be pinned
	_, err = f.svc.Pin(ctx, "t1", draft.ID, "payload.never_registered.v9")
	assert.Error(t, err)
}

func TestPublishRejectsMissingRequiredMapping(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	def := draftDefinition()
	delete(def.Steps[0].Input, "body")
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	var contractErr *models.SchemaContractError
	require.ErrorAs(t, err, &contractErr)
	assert.Contains(t, contractErr.Error(), "required input body")

	stored, err := f.store.GetDefinition(ctx, "t1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDraft, stored.Status, "failed publish leaves the draft untouched")
}

func TestPublishRejectsKnownTypeMismatch(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	def := draftDefinition()
	def.Steps[0].Input["ticket_id"] = "payload.ticket.subject" // string into a number field
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	var contractErr *models.SchemaContractError
	require.ErrorAs(t, err, &contractErr)
	assert.Contains(t, contractErr.Error(), "ticket_id")
}

func TestPublishToleratesUnknownTypedPaths(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	// not declared by the trigger schema: not derivable, warning only
	def := draftDefinition()
	def.Steps[0].Input["ticket_id"] = "payload.ticket.priority"
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)
}

func TestPublishRejectsMissingSecret(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	def := draftDefinition()
	def.Steps[0].Input["body"] = "secrets.slack_token"
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	var contractErr *models.SchemaContractError
	require.ErrorAs(t, err, &contractErr)
	assert.Contains(t, contractErr.Error(), "slack_token")

	f.secrets.Put("t1", "slack_token")
	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)
}

func TestPublishRejectsUnknownTrigger(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	def := draftDefinition()
	def.TriggerEventName = "INVOICE_PAID"
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	var contractErr *models.SchemaContractError
	require.ErrorAs(t, err, &contractErr)
	assert.Contains(t, contractErr.Error(), "INVOICE_PAID")
}

func TestPublishRejectsUnregisteredAction(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	def := draftDefinition()
	def.Steps[0].ActionID = "tickets.never_registered"
	draft, err := f.svc.CreateDraft(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	var contractErr *models.SchemaContractError
	require.ErrorAs(t, err, &contractErr)
}

func TestPublishedDefinitionIsImmutable(t *testing.T) {
	f := newPublisherFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, draftDefinition())
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "t1", draft.ID)
	assert.Error(t, err, "published versions cannot be republished")
	_, err = f.svc.Pin(ctx, "t1", draft.ID, "payload.ticket_created.v1")
	assert.Error(t, err)
}
