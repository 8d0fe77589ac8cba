// Package actions is the runtime's view of domain action implementations:
// a registry keyed by (actionId, version) and an invoker that validates
// inputs and applies the retry policy. Action side effects belong to the
// implementations; the runtime only sees success, output and classified
// failure.
package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/pkg/models"
)

// Handler is the invocation contract a registered action satisfies.
type Handler interface {
	// InputSchema declares the shape of the action's input; nil means
	// unvalidated input.
	InputSchema() schema.Document
	// Invoke performs the action. Transient failures are wrapped with
	// models.Retryable; everything else is treated as fatal.
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a function and an input schema to the Handler interface.
type Func struct {
	Schema schema.Document
	Fn     func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f Func) InputSchema() schema.Document { return f.Schema }
func (f Func) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}

// Registry maps (actionId, version) to handlers. Registration happens at
// process start; lookups never reflect. Input schemas are compiled through a
// private schema registry so per-invocation validation is a cache hit.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  *schema.Registry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		schemas:  schema.NewRegistry(nil),
	}
}

func actionKey(id string, version int) string { return fmt.Sprintf("%s@v%d", id, version) }

// Register adds a handler and compiles its input schema.
func (r *Registry) Register(id string, version int, h Handler) error {
	key := actionKey(id, version)
	if doc := h.InputSchema(); doc != nil {
		if err := r.schemas.Register("", key, doc); err != nil {
			return fmt.Errorf("action %s: %w", key, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("action %s already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// Lookup resolves a handler by id and version.
func (r *Registry) Lookup(id string, version int) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", actionKey(id, version), models.ErrNotFound)
	}
	return h, nil
}

// ValidateInput checks a mapped input against the action's declared schema.
// Actions without a schema accept any input.
func (r *Registry) ValidateInput(id string, version int, input map[string]any) error {
	key := actionKey(id, version)
	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("action %s: %w", key, models.ErrNotFound)
	}
	if h.InputSchema() == nil {
		return nil
	}
	return r.schemas.Validate("", key, input)
}
