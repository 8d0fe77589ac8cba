// Package services implements the workflow definition lifecycle: draft
// creation, contract pinning and the publish state machine with its
// contract validation.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/expr"
	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/pkg/models"
)

// WorkflowService owns the definition lifecycle
// draft(inferred) -> draft(pinned, reversible) -> published(frozen contract).
// Published versions are immutable; editing means drafting the next version.
type WorkflowService struct {
	store   repository.DefinitionStore
	schemas *schema.Registry
	actions *actions.Registry
	secrets SecretStore
	log     *slog.Logger
}

// NewWorkflowService creates a WorkflowService. secrets may be nil when the
// deployment has no secret backend; secret references then fail publish.
func NewWorkflowService(store repository.DefinitionStore, schemas *schema.Registry, registry *actions.Registry, secrets SecretStore, log *slog.Logger) *WorkflowService {
	if log == nil {
		log = slog.Default()
	}
	return &WorkflowService{
		store:   store,
		schemas: schemas,
		actions: registry,
		secrets: secrets,
		log:     log.With("component", "workflow-service"),
	}
}

// CreateDraft stores a new draft version. A zero version is assigned the
// successor of the latest published version, or 1 for a new workflow name.
func (s *WorkflowService) CreateDraft(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Version == 0 {
		latest, err := s.store.LatestPublished(ctx, def.TenantID, def.Name)
		switch {
		case err == nil:
			def.Version = latest.Version + 1
		case errors.Is(err, models.ErrNotFound):
			def.Version = 1
		default:
			return nil, err
		}
	}
	def.Status = models.DefinitionStatusDraft
	if def.PayloadSchemaMode == "" {
		def.PayloadSchemaMode = models.SchemaModeInferred
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.PublishedAt = nil

	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save draft %s: %w", def.Name, err)
	}
	s.log.Info("draft created", "workflow", def.Name, "version", def.Version, "tenant", def.TenantID)
	return def, nil
}

// Pin binds a draft to an explicit catalog schema ref. Pinning is reversible
// with Unpin until the draft is published.
func (s *WorkflowService) Pin(ctx context.Context, tenantID, id, ref string) (*models.WorkflowDefinition, error) {
	def, err := s.draft(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.schemas.ResolveDocument(tenantID, ref); err != nil {
		return nil, fmt.Errorf("pin %s: %w", ref, err)
	}
	def.PayloadSchemaMode = models.SchemaModePinned
	def.PayloadSchemaRef = ref
	def.UpdatedAt = time.Now().UTC()
	return def, s.store.SaveDefinition(ctx, def)
}

// Unpin reverts a pinned draft to inferred mode.
func (s *WorkflowService) Unpin(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := s.draft(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	def.PayloadSchemaMode = models.SchemaModeInferred
	def.PayloadSchemaRef = ""
	def.UpdatedAt = time.Now().UTC()
	return def, s.store.SaveDefinition(ctx, def)
}

func (s *WorkflowService) draft(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := s.store.GetDefinition(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if def.Status != models.DefinitionStatusDraft {
		return nil, fmt.Errorf("definition %s is %s, only drafts can be modified", id, def.Status)
	}
	return def, nil
}

// Publish validates a draft's contract and freezes it. On success the
// definition is published with an immutable PayloadSchemaRef: the pinned
// catalog ref, or a generated snapshot of the trigger schema for inferred
// mode. Contract violations return *models.SchemaContractError and leave the
// draft untouched; derivability gaps degrade to logged warnings.
func (s *WorkflowService) Publish(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := s.draft(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	check := &contractCheck{svc: s, def: def}
	triggerDoc := check.resolveTrigger()
	check.walkSteps(def.Steps, triggerDoc)

	if len(check.reasons) > 0 {
		return nil, &models.SchemaContractError{Reasons: check.reasons}
	}
	for _, w := range check.warnings {
		s.log.Warn("publish contract warning", "workflow", def.Name, "version", def.Version, "warning", w)
	}

	if def.PayloadSchemaMode == models.SchemaModeInferred {
		ref, err := s.schemas.RegisterSnapshot(tenantID, schema.EffectiveSchema(triggerDoc))
		if err != nil {
			return nil, fmt.Errorf("freeze snapshot for %s: %w", def.Name, err)
		}
		def.PayloadSchemaRef = ref
	}

	now := time.Now().UTC()
	def.Status = models.DefinitionStatusPublished
	def.PublishedAt = &now
	def.UpdatedAt = now
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("publish %s: %w", def.Name, err)
	}
	s.log.Info("workflow published", "workflow", def.Name, "version", def.Version,
		"tenant", tenantID, "schema_ref", def.PayloadSchemaRef)
	return def, nil
}

// contractCheck accumulates the publish validation verdict: reasons block
// the publish, warnings do not.
type contractCheck struct {
	svc      *WorkflowService
	def      *models.WorkflowDefinition
	reasons  []string
	warnings []string
}

func (c *contractCheck) errorf(format string, args ...any) {
	c.reasons = append(c.reasons, fmt.Sprintf(format, args...))
}

func (c *contractCheck) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// resolveTrigger locates the schema the published contract will be frozen
// from: the pinned ref, or the trigger's catalog schema for inferred mode.
func (c *contractCheck) resolveTrigger() schema.Document {
	tenant := c.def.TenantID
	if c.def.PayloadSchemaMode == models.SchemaModePinned {
		doc, err := c.svc.schemas.ResolveDocument(tenant, c.def.PayloadSchemaRef)
		if err != nil {
			c.errorf("pinned schema %s is not registered", c.def.PayloadSchemaRef)
			return nil
		}
		return doc
	}
	ref, ok := c.svc.schemas.CatalogRef(tenant, c.def.TriggerEventName)
	if !ok {
		c.errorf("no catalog schema for trigger event %s", c.def.TriggerEventName)
		return nil
	}
	doc, err := c.svc.schemas.ResolveDocument(tenant, ref)
	if err != nil {
		c.errorf("catalog schema %s for trigger event %s is not registered", ref, c.def.TriggerEventName)
		return nil
	}
	return doc
}

func (c *contractCheck) walkSteps(steps []models.Step, triggerDoc schema.Document) {
	for i := range steps {
		step := &steps[i]
		switch step.Type {
		case models.StepActionCall:
			c.checkActionCall(step, triggerDoc)
		case models.StepConditional:
			c.checkExpression(step.ID, "condition", step.Condition, triggerDoc)
			c.walkSteps(step.Then, triggerDoc)
			c.walkSteps(step.Else, triggerDoc)
		case models.StepForEach:
			c.checkExpression(step.ID, "items", step.Items, triggerDoc)
			c.walkSteps(step.Body, triggerDoc)
		case models.StepTryCatch:
			c.walkSteps(step.Try, triggerDoc)
			c.walkSteps(step.Catch, triggerDoc)
		case models.StepCallWorkflow:
			// the referenced workflow is resolved at run time; a missing
			// target fails the run, not the publish
		}
	}
}

func (c *contractCheck) checkActionCall(step *models.Step, triggerDoc schema.Document) {
	handler, err := c.svc.actions.Lookup(step.ActionID, step.ActionVersion)
	if err != nil {
		c.errorf("step %s: action %s is not registered", step.ID, step.ActionID)
		return
	}
	actionDoc := handler.InputSchema()

	for _, required := range schema.RequiredProperties(actionDoc) {
		if _, ok := step.Input[required]; !ok {
			c.errorf("step %s: required input %s of action %s is not mapped", step.ID, required, step.ActionID)
		}
	}

	for field, source := range step.Input {
		node := c.checkExpression(step.ID, field, source, triggerDoc)
		if node == nil || actionDoc == nil {
			continue
		}
		expected, ok := schema.PropertyType(actionDoc, []string{field})
		if !ok {
			continue
		}
		actual, known := c.expressionType(node, triggerDoc)
		if !known {
			c.warnf("step %s: type of input %s is not derivable, skipping check", step.ID, field)
			continue
		}
		if !typesCompatible(expected, actual) {
			c.errorf("step %s: input %s maps a %s value to a %s field", step.ID, field, actual, expected)
		}
	}
}

// checkExpression parses an expression source and verifies any secret
// references against the secret store. It returns the parsed tree, or nil
// when the source does not parse.
func (c *contractCheck) checkExpression(stepID, field, source string, triggerDoc schema.Document) expr.Node {
	node, err := expr.Parse(source)
	if err != nil {
		c.errorf("step %s: expression for %s does not parse: %v", stepID, field, err)
		return nil
	}
	c.walkExpression(stepID, node, triggerDoc)
	return node
}

func (c *contractCheck) walkExpression(stepID string, node expr.Node, triggerDoc schema.Document) {
	switch n := node.(type) {
	case *expr.Path:
		c.checkPath(stepID, n, triggerDoc)
	case *expr.Or:
		c.walkExpression(stepID, n.Left, triggerDoc)
		c.walkExpression(stepID, n.Right, triggerDoc)
	case *expr.Equals:
		c.walkExpression(stepID, n.Left, triggerDoc)
		c.walkExpression(stepID, n.Right, triggerDoc)
	case *expr.Not:
		c.walkExpression(stepID, n.Operand, triggerDoc)
	case *expr.Call:
		c.walkExpression(stepID, n.Target, triggerDoc)
	}
}

func (c *contractCheck) checkPath(stepID string, path *expr.Path, triggerDoc schema.Document) {
	if len(path.Segments) == 0 {
		return
	}
	switch path.Segments[0] {
	case "secrets":
		if len(path.Segments) < 2 {
			c.errorf("step %s: secret reference %s names no secret", stepID, path)
			return
		}
		name := path.Segments[1]
		if c.svc.secrets == nil || !c.svc.secrets.Exists(c.def.TenantID, name) {
			c.errorf("step %s: referenced secret %s does not exist", stepID, name)
		}
	case "payload":
		if triggerDoc == nil || len(path.Segments) < 2 {
			return
		}
		if _, ok := schema.PropertyType(triggerDoc, path.Segments[1:]); !ok {
			c.warnf("step %s: payload path %s is not declared by the trigger schema", stepID, path)
		}
	}
}

// expressionType derives the static type of an expression where possible.
func (c *contractCheck) expressionType(node expr.Node, triggerDoc schema.Document) (string, bool) {
	switch n := node.(type) {
	case *expr.Literal:
		switch n.Value.(type) {
		case string:
			return "string", true
		case float64:
			return "number", true
		case bool:
			return "boolean", true
		}
		return "", false
	case *expr.Path:
		if len(n.Segments) >= 2 && n.Segments[0] == "payload" && triggerDoc != nil {
			return schema.PropertyType(triggerDoc, n.Segments[1:])
		}
		return "", false
	case *expr.Call:
		// whitelisted date methods render strings
		return "string", true
	}
	return "", false
}

func typesCompatible(expected, actual string) bool {
	if expected == actual {
		return true
	}
	// integer payloads satisfy number fields and vice versa
	numeric := map[string]bool{"number": true, "integer": true}
	return numeric[expected] && numeric[actual]
}
