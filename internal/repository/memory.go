package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openpsa/flowd/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and single-process setups.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*models.WorkflowDefinition // id
	events      map[string]*models.Event              // id
	eventsByKey map[string]string                     // dedup key -> event id
	runs        map[string]*models.WorkflowRun        // id
	steps       map[string][]*models.StepInvocation   // run id -> ordered steps
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*models.WorkflowDefinition),
		events:      make(map[string]*models.Event),
		eventsByKey: make(map[string]string),
		runs:        make(map[string]*models.WorkflowRun),
		steps:       make(map[string][]*models.StepInvocation),
	}
}

func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return v
	}
	return out
}

// SaveDefinition inserts or replaces a definition version.
func (s *MemoryStore) SaveDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = clone(def)
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *MemoryStore) GetDefinition(_ context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok || def.TenantID != tenantID {
		return nil, fmt.Errorf("definition %s: %w", id, models.ErrNotFound)
	}
	return clone(def), nil
}

// GetDefinitionVersion retrieves a specific published version by name.
func (s *MemoryStore) GetDefinitionVersion(_ context.Context, tenantID, name string, version int) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.Name == name && def.Version == version &&
			def.Status == models.DefinitionStatusPublished {
			return clone(def), nil
		}
	}
	return nil, fmt.Errorf("definition %s v%d: %w", name, version, models.ErrNotFound)
}

// LatestPublished retrieves the highest published version by name.
func (s *MemoryStore) LatestPublished(_ context.Context, tenantID, name string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.Name == name && def.Status == models.DefinitionStatusPublished {
			if best == nil || def.Version > best.Version {
				best = def
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("definition %s: %w", name, models.ErrNotFound)
	}
	return clone(best), nil
}

// ListPublishedByTrigger lists published definitions triggered by an event name.
func (s *MemoryStore) ListPublishedByTrigger(_ context.Context, tenantID, eventName string) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.TriggerEventName == eventName &&
			def.Status == models.DefinitionStatusPublished {
			out = append(out, clone(def))
		}
	}
	return out, nil
}

// InsertEvent stores an event, enforcing dedup-key uniqueness.
func (s *MemoryStore) InsertEvent(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.DedupKey()
	if _, exists := s.eventsByKey[key]; exists {
		return fmt.Errorf("event %s: %w", key, models.ErrDuplicateKey)
	}
	s.events[event.ID] = clone(event)
	s.eventsByKey[key] = event.ID
	return nil
}

// GetEvent retrieves an event by id.
func (s *MemoryStore) GetEvent(_ context.Context, tenantID, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok || event.TenantID != tenantID {
		return nil, fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	}
	return clone(event), nil
}

// FindEventByCorrelation retrieves an event by its dedup identity.
func (s *MemoryStore) FindEventByCorrelation(_ context.Context, tenantID, name, correlationKey string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probe := models.Event{TenantID: tenantID, Name: name, CorrelationKey: correlationKey}
	id, ok := s.eventsByKey[probe.DedupKey()]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", probe.DedupKey(), models.ErrNotFound)
	}
	return clone(s.events[id]), nil
}

// CreateRun stores a new run.
func (s *MemoryStore) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrDuplicateKey)
	}
	s.runs[run.ID] = clone(run)
	return nil
}

// GetRun retrieves a run by id.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return clone(run), nil
}

// UpdateRun replaces a run's mutable state. Terminal runs are immutable.
func (s *MemoryStore) UpdateRun(_ context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("run %s is terminal (%s)", run.ID, existing.Status)
	}
	s.runs[run.ID] = clone(run)
	return nil
}

// ListRunsByEvent lists the runs an event produced.
func (s *MemoryStore) ListRunsByEvent(_ context.Context, tenantID, eventID string) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowRun
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.EventID == eventID {
			out = append(out, clone(run))
		}
	}
	return out, nil
}

// CreateStep stores a new step invocation.
func (s *MemoryStore) CreateStep(_ context.Context, step *models.StepInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.RunID] = append(s.steps[step.RunID], clone(step))
	return nil
}

// UpdateStep replaces a step invocation's mutable state.
func (s *MemoryStore) UpdateStep(_ context.Context, step *models.StepInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[step.RunID] {
		if existing.ID == step.ID {
			if existing.Status.Terminal() {
				return fmt.Errorf("step invocation %s is terminal (%s)", step.ID, existing.Status)
			}
			s.steps[step.RunID][i] = clone(step)
			return nil
		}
	}
	return fmt.Errorf("step invocation %s: %w", step.ID, models.ErrNotFound)
}

// ListSteps lists a run's step invocations in creation order.
func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]*models.StepInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[runID]
	out := make([]*models.StepInvocation, 0, len(steps))
	for _, step := range steps {
		out = append(out, clone(step))
	}
	return out, nil
}
