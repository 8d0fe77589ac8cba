// Package engine is the run engine: the state machine that walks a published
// definition's step graph for one run, dispatching actions, evaluating
// expressions and recording progress. The engine exclusively owns run and
// step-invocation state transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/expr"
	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/pkg/models"
)

// errCanceled aborts the walk when a run was canceled out of band.
var errCanceled = errors.New("run canceled")

// maxCallDepth bounds nested callWorkflow chains. A published definition can
// reference itself directly or through a cycle, so the interpreter enforces
// the bound at run time.
const maxCallDepth = 16

// interrupted reports whether err stems from the execution context being torn
// down (shutdown, deadline) rather than from the run itself.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stepError is a recorded step failure. tryCatch bodies absorb it; anywhere
// else it fails the run.
type stepError struct {
	StepID string
	Err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %s: %v", e.StepID, e.Err) }
func (e *stepError) Unwrap() error { return e.Err }

// Engine executes runs against the store, the action invoker and the
// expression evaluator.
type Engine struct {
	store   repository.Store
	invoker *actions.Invoker
	eval    *expr.Evaluator
	log     *slog.Logger
}

// New creates an Engine.
func New(store repository.Store, invoker *actions.Invoker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:   store,
		invoker: invoker,
		eval:    expr.NewEvaluator(log),
		log:     log.With("component", "engine"),
	}
}

// runScope is the mutable state of one executing run. depth counts the
// callWorkflow chain above this run.
type runScope struct {
	run   *models.WorkflowRun
	event *models.Event
	vars  map[string]any
	depth int
}

func (rs *runScope) exprContext() *expr.Context {
	return &expr.Context{
		Event: map[string]any{
			"name":           rs.event.Name,
			"correlationKey": rs.event.CorrelationKey,
			"contextData":    map[string]any{"tenantId": rs.event.TenantID, "eventId": rs.event.ID},
		},
		Payload: rs.event.Payload,
		Vars:    rs.vars,
	}
}

// Execute drives one run to a terminal status. Redelivery of an already
// terminal run is a no-op returning its recorded status. When ctx is torn
// down mid-walk the run is left RUNNING and the error surfaces, so the queue
// entry stays unacked and the run is re-delivered to a live worker.
func (e *Engine) Execute(ctx context.Context, runID string) (models.RunStatus, error) {
	return e.execute(ctx, runID, 0)
}

func (e *Engine) execute(ctx context.Context, runID string, depth int) (models.RunStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		e.log.Debug("run already terminal, ignoring redelivery", "run_id", runID, "status", run.Status)
		return run.Status, nil
	}

	def, err := e.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return "", fmt.Errorf("load definition for run %s: %w", runID, err)
	}
	event, err := e.store.GetEvent(ctx, run.TenantID, run.EventID)
	if err != nil {
		return "", fmt.Errorf("load event for run %s: %w", runID, err)
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	if run.Vars == nil {
		run.Vars = make(map[string]any)
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		// lost the transition race (e.g. canceled between fetch and start)
		current, gerr := e.store.GetRun(ctx, runID)
		if gerr == nil && current.Status.Terminal() {
			return current.Status, nil
		}
		return "", err
	}
	e.log.Info("run started", "run_id", runID, "definition", def.Name, "version", def.Version)

	scope := &runScope{run: run, event: event, vars: run.Vars, depth: depth}
	walkErr := e.executeSteps(ctx, scope, def.Steps)
	if walkErr != nil && interrupted(walkErr) {
		e.log.Warn("run interrupted, leaving for redelivery", "run_id", runID, "error", walkErr)
		return "", walkErr
	}

	return e.finish(ctx, scope, walkErr)
}

func (e *Engine) finish(ctx context.Context, scope *runScope, walkErr error) (models.RunStatus, error) {
	run := scope.run
	now := time.Now().UTC()
	run.Vars = scope.vars
	run.CompletedAt = &now

	switch {
	case walkErr == nil:
		run.Status = models.RunStatusSucceeded
		run.Error = ""
	case errors.Is(walkErr, errCanceled):
		run.Status = models.RunStatusCanceled
		run.Error = ""
	default:
		run.Status = models.RunStatusFailed
		run.Error = walkErr.Error()
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		current, gerr := e.store.GetRun(ctx, run.ID)
		if gerr == nil && current.Status.Terminal() {
			// canceled out of band while we were finishing; its word stands
			return current.Status, nil
		}
		return "", fmt.Errorf("record terminal status for run %s: %w", run.ID, err)
	}
	e.log.Info("run finished", "run_id", run.ID, "status", run.Status, "error", run.Error)
	return run.Status, nil
}

// executeSteps walks steps in definition order, stopping at the first
// unrecovered failure.
func (e *Engine) executeSteps(ctx context.Context, scope *runScope, steps []models.Step) error {
	for i := range steps {
		if err := e.checkCanceled(ctx, scope); err != nil {
			return err
		}
		if err := e.executeStep(ctx, scope, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// checkCanceled picks up out-of-band cancellation between steps. A torn-down
// execution context is not a cancellation of the run: the walk stops without
// finalizing anything.
func (e *Engine) checkCanceled(ctx context.Context, scope *runScope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := e.store.GetRun(ctx, scope.run.ID)
	if err == nil && current.Status == models.RunStatusCanceled {
		return errCanceled
	}
	return nil
}

func (e *Engine) executeStep(ctx context.Context, scope *runScope, step *models.Step) error {
	switch step.Type {
	case models.StepActionCall:
		return e.executeActionCall(ctx, scope, step)
	case models.StepConditional:
		return e.executeConditional(ctx, scope, step)
	case models.StepForEach:
		return e.executeForEach(ctx, scope, step)
	case models.StepTryCatch:
		return e.executeTryCatch(ctx, scope, step)
	case models.StepCallWorkflow:
		return e.executeCallWorkflow(ctx, scope, step)
	}
	return &stepError{StepID: step.ID, Err: fmt.Errorf("unknown step type %q", step.Type)}
}

// beginStep creates the RUNNING invocation record for a reached step.
func (e *Engine) beginStep(ctx context.Context, scope *runScope, step *models.Step) (*models.StepInvocation, error) {
	inv := &models.StepInvocation{
		ID:               uuid.New().String(),
		RunID:            scope.run.ID,
		DefinitionStepID: step.ID,
		Status:           models.StepStatusRunning,
		StartedAt:        time.Now().UTC(),
	}
	if err := e.store.CreateStep(ctx, inv); err != nil {
		return nil, fmt.Errorf("record step %s: %w", step.ID, err)
	}
	return inv, nil
}

func (e *Engine) endStep(ctx context.Context, inv *models.StepInvocation, status models.StepStatus, output map[string]any, stepErr error) {
	now := time.Now().UTC()
	inv.Status = status
	inv.Output = output
	inv.CompletedAt = &now
	if stepErr != nil {
		inv.Error = stepErr.Error()
	}
	if err := e.store.UpdateStep(ctx, inv); err != nil {
		e.log.Error("failed to record step result", "step", inv.DefinitionStepID, "error", err)
	}
}

func (e *Engine) executeActionCall(ctx context.Context, scope *runScope, step *models.Step) error {
	inv, err := e.beginStep(ctx, scope, step)
	if err != nil {
		return &stepError{StepID: step.ID, Err: err}
	}

	input, err := e.mapInput(step.Input, scope)
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	output, attempts, err := e.invoker.Invoke(ctx, step.ActionID, step.ActionVersion, input)
	inv.Attempts = attempts
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	if step.SaveAs != "" {
		scope.vars[normalizeSaveAs(step.SaveAs)] = output
	}
	e.endStep(ctx, inv, models.StepStatusSucceeded, output, nil)
	return nil
}

// mapInput evaluates the step's input mapping against the run scope.
// Unresolved values and the invalid-date sentinel are treated as absent.
func (e *Engine) mapInput(mapping map[string]string, scope *runScope) (map[string]any, error) {
	input := make(map[string]any, len(mapping))
	ectx := scope.exprContext()
	for field, source := range mapping {
		v, err := e.eval.Eval(source, ectx)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", field, err)
		}
		if v == nil || v == expr.InvalidDate {
			continue
		}
		input[field] = v
	}
	return input, nil
}

// normalizeSaveAs binds unscoped names into vars; an explicit vars. prefix
// is stripped. saveAs never escapes to another top-level scope.
func normalizeSaveAs(name string) string {
	return strings.TrimPrefix(name, "vars.")
}

func (e *Engine) executeConditional(ctx context.Context, scope *runScope, step *models.Step) error {
	inv, err := e.beginStep(ctx, scope, step)
	if err != nil {
		return &stepError{StepID: step.ID, Err: err}
	}

	taken, err := e.eval.EvalBool(step.Condition, scope.exprContext())
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	// exactly one branch executes; the other's steps are never instantiated
	branch := step.Then
	if !taken {
		branch = step.Else
	}
	branchErr := e.executeSteps(ctx, scope, branch)
	output := map[string]any{"condition": taken}
	if branchErr != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, output, branchErr)
		return branchErr
	}
	e.endStep(ctx, inv, models.StepStatusSucceeded, output, nil)
	return nil
}

func (e *Engine) executeForEach(ctx context.Context, scope *runScope, step *models.Step) error {
	inv, err := e.beginStep(ctx, scope, step)
	if err != nil {
		return &stepError{StepID: step.ID, Err: err}
	}

	collection, err := e.eval.Eval(step.Items, scope.exprContext())
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}
	items, ok := collection.([]any)
	if !ok && collection != nil {
		err := fmt.Errorf("items expression %q did not yield a collection", step.Items)
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	itemVar := step.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	bound := step.Concurrency
	if bound <= 0 {
		bound = 1
	}

	// Iterations run concurrently up to the bound, each against an isolated
	// copy of vars, and all are awaited before the step goes terminal. The
	// group deliberately carries no shared context cancellation: one failed
	// iteration must not abort its in-flight siblings.
	var g errgroup.Group
	g.SetLimit(bound)
	failures := make([]error, len(items))
	for i := range items {
		g.Go(func() error {
			iterScope := &runScope{
				run:   scope.run,
				event: scope.event,
				vars:  cloneVars(scope.vars),
				depth: scope.depth,
			}
			iterScope.vars[itemVar] = items[i]
			iterScope.vars[itemVar+"Index"] = float64(i)
			failures[i] = e.executeSteps(ctx, iterScope, step.Body)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var firstErr error
	for _, ferr := range failures {
		if ferr != nil {
			failed++
			if firstErr == nil {
				firstErr = ferr
			}
		}
	}

	output := map[string]any{"iterations": len(items), "failed": failed}
	if failed > 0 && !step.ContinueOnError {
		e.endStep(ctx, inv, models.StepStatusFailed, output, firstErr)
		if serr, ok := firstErr.(*stepError); ok {
			return serr
		}
		return &stepError{StepID: step.ID, Err: firstErr}
	}
	e.endStep(ctx, inv, models.StepStatusSucceeded, output, nil)
	return nil
}

func (e *Engine) executeTryCatch(ctx context.Context, scope *runScope, step *models.Step) error {
	inv, err := e.beginStep(ctx, scope, step)
	if err != nil {
		return &stepError{StepID: step.ID, Err: err}
	}

	tryErr := e.executeSteps(ctx, scope, step.Try)
	if tryErr == nil {
		e.endStep(ctx, inv, models.StepStatusSucceeded, map[string]any{"caught": false}, nil)
		return nil
	}
	if errors.Is(tryErr, errCanceled) {
		e.endStep(ctx, inv, models.StepStatusSkipped, nil, nil)
		return tryErr
	}
	if interrupted(tryErr) {
		// shutdown is not a step failure; the redelivered run re-walks the body
		return tryErr
	}

	// The failure is recorded on the failing step's invocation and absorbed
	// here; the run's fate now rests on the catch body.
	scope.vars["error"] = describeError(tryErr)
	e.log.Info("tryCatch absorbed step failure", "run_id", scope.run.ID, "step", step.ID, "error", tryErr)

	catchErr := e.executeSteps(ctx, scope, step.Catch)
	output := map[string]any{"caught": true}
	if catchErr != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, output, catchErr)
		return catchErr
	}
	e.endStep(ctx, inv, models.StepStatusSucceeded, output, nil)
	return nil
}

func (e *Engine) executeCallWorkflow(ctx context.Context, scope *runScope, step *models.Step) error {
	inv, err := e.beginStep(ctx, scope, step)
	if err != nil {
		return &stepError{StepID: step.ID, Err: err}
	}

	if scope.depth >= maxCallDepth {
		err := fmt.Errorf("workflow call depth limit %d reached calling %s", maxCallDepth, step.Workflow)
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	tenant := scope.run.TenantID
	var def *models.WorkflowDefinition
	if step.WorkflowVersion > 0 {
		def, err = e.store.GetDefinitionVersion(ctx, tenant, step.Workflow, step.WorkflowVersion)
	} else {
		def, err = e.store.LatestPublished(ctx, tenant, step.Workflow)
	}
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	child := &models.WorkflowRun{
		ID:                uuid.New().String(),
		TenantID:          tenant,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EventID:           scope.run.EventID,
		ParentRunID:       scope.run.ID,
		Status:            models.RunStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	// the parent blocks until the child reaches a terminal state
	status, err := e.execute(ctx, child.ID, scope.depth+1)
	if err != nil {
		if interrupted(err) {
			return err
		}
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	childRun, err := e.store.GetRun(ctx, child.ID)
	if err != nil {
		e.endStep(ctx, inv, models.StepStatusFailed, nil, err)
		return &stepError{StepID: step.ID, Err: err}
	}

	output := map[string]any{"run_id": child.ID, "status": string(status)}
	switch status {
	case models.RunStatusSucceeded:
		if step.SaveAs != "" {
			scope.vars[normalizeSaveAs(step.SaveAs)] = childRun.Vars
		}
		e.endStep(ctx, inv, models.StepStatusSucceeded, output, nil)
		return nil
	case models.RunStatusCanceled:
		e.endStep(ctx, inv, models.StepStatusSkipped, output, nil)
		return errCanceled
	default:
		childErr := fmt.Errorf("workflow %s run %s failed: %s", step.Workflow, child.ID, childRun.Error)
		e.endStep(ctx, inv, models.StepStatusFailed, output, childErr)
		return &stepError{StepID: step.ID, Err: childErr}
	}
}

// Cancel transitions a non-terminal run to CANCELED, marks its non-terminal
// step invocations SKIPPED and cancels in-flight child runs it owns. An
// already-dispatched action is not interrupted; its eventual result is
// discarded when the interpreter observes the cancellation.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already terminal (%s)", runID, run.Status)
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusCanceled
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		step.Status = models.StepStatusSkipped
		step.CompletedAt = &now
		if err := e.store.UpdateStep(ctx, step); err != nil {
			e.log.Warn("failed to skip step on cancel", "step", step.DefinitionStepID, "error", err)
		}
	}

	// children share the triggering event and name this run as parent
	siblings, err := e.store.ListRunsByEvent(ctx, run.TenantID, run.EventID)
	if err != nil {
		return err
	}
	for _, candidate := range siblings {
		if candidate.ParentRunID == runID && !candidate.Status.Terminal() {
			if err := e.Cancel(ctx, candidate.ID); err != nil {
				e.log.Warn("failed to cancel child run", "child", candidate.ID, "error", err)
			}
		}
	}
	e.log.Info("run canceled", "run_id", runID)
	return nil
}

func describeError(err error) map[string]any {
	desc := map[string]any{"message": err.Error()}
	var serr *stepError
	if errors.As(err, &serr) {
		desc["stepId"] = serr.StepID
		desc["message"] = serr.Err.Error()
	}
	return desc
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
