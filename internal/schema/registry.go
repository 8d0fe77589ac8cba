// Package schema implements the payload-schema registry: documents stored by
// ref, per-tenant compiled-schema caching, snapshot registration for frozen
// contracts, and payload validation with field-level issues.
package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openpsa/flowd/pkg/models"
)

// Document is a JSON-schema-like payload definition.
type Document map[string]any

// Registry stores schema documents by ref and hands out compiled schemas.
// Definitions and events reference schemas by ref; documents are never copied
// into them. Catalog refs map a trigger event name to its system schema.
type Registry struct {
	mu       sync.RWMutex
	docs     map[string]Document           // cacheKey(tenant, ref) -> document
	catalog  map[string]string             // cacheKey(tenant, eventName) -> ref
	compiled map[string]*jsonschema.Schema // cacheKey(tenant, ref) -> compiled
	log      *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		docs:     make(map[string]Document),
		catalog:  make(map[string]string),
		compiled: make(map[string]*jsonschema.Schema),
		log:      log.With("component", "schema-registry"),
	}
}

func cacheKey(tenant, ref string) string { return tenant + "/" + ref }

// Register stores a document under an explicit ref, replacing any previous
// document and invalidating its compiled form.
func (r *Registry) Register(tenant, ref string, doc Document) error {
	if ref == "" {
		return fmt.Errorf("schema ref is required")
	}
	if _, err := compile(ref, doc); err != nil {
		return fmt.Errorf("schema %s does not compile: %w", ref, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey(tenant, ref)
	r.docs[key] = doc
	delete(r.compiled, key)
	return nil
}

// RegisterCatalog stores a system event schema and binds the event name to
// its ref, so ingestion and publish can resolve a trigger's schema.
func (r *Registry) RegisterCatalog(tenant, eventName, ref string, doc Document) error {
	if err := r.Register(tenant, ref, doc); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[cacheKey(tenant, eventName)] = ref
	return nil
}

// CatalogRef returns the schema ref bound to a trigger event name.
func (r *Registry) CatalogRef(tenant, eventName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.catalog[cacheKey(tenant, eventName)]
	return ref, ok
}

// RegisterSnapshot stores a generated snapshot document under a fresh frozen
// ref and returns that ref. Snapshots are never re-registered or mutated.
func (r *Registry) RegisterSnapshot(tenant string, doc Document) (string, error) {
	ref := fmt.Sprintf("snapshot.%s.v1", uuid.New().String())
	if err := r.Register(tenant, ref, deepCopy(doc)); err != nil {
		return "", err
	}
	r.log.Debug("registered snapshot schema", "tenant", tenant, "ref", ref)
	return ref, nil
}

// ResolveDocument returns the raw document for a ref.
func (r *Registry) ResolveDocument(tenant, ref string) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[cacheKey(tenant, ref)]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", ref, models.ErrNotFound)
	}
	return doc, nil
}

// Resolve returns the compiled schema for a ref, compiling and caching it on
// first use.
func (r *Registry) Resolve(tenant, ref string) (*jsonschema.Schema, error) {
	key := cacheKey(tenant, ref)

	r.mu.RLock()
	if sch, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return sch, nil
	}
	doc, ok := r.docs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", ref, models.ErrNotFound)
	}

	sch, err := compile(ref, doc)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", ref, err)
	}

	r.mu.Lock()
	r.compiled[key] = sch
	r.mu.Unlock()
	return sch, nil
}

// ListRefs returns all refs registered for a tenant, sorted.
func (r *Registry) ListRefs(tenant string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := tenant + "/"
	var refs []string
	for key := range r.docs {
		if strings.HasPrefix(key, prefix) {
			refs = append(refs, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(refs)
	return refs
}

// Validate checks a payload against the schema a ref resolves to. On failure
// it returns a *models.ValidationError carrying field-level issues.
func (r *Registry) Validate(tenant, ref string, payload map[string]any) error {
	sch, err := r.Resolve(tenant, ref)
	if err != nil {
		return err
	}
	if err := sch.Validate(normalize(payload)); err != nil {
		var ve *jsonschema.ValidationError
		issues := []models.Issue{{Path: "", Message: err.Error()}}
		if ok := asValidationError(err, &ve); ok {
			issues = flatten(ve)
		}
		return &models.ValidationError{SchemaRef: ref, Issues: issues}
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func compile(ref string, doc Document) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := "mem://" + ref
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// flatten collects the leaf causes of a validation error as path+message
// issues.
func flatten(ve *jsonschema.ValidationError) []models.Issue {
	if len(ve.Causes) == 0 {
		return []models.Issue{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	var issues []models.Issue
	for _, cause := range ve.Causes {
		issues = append(issues, flatten(cause)...)
	}
	return issues
}

// normalize round-trips a payload through JSON so validation sees the same
// value shapes an HTTP payload would have.
func normalize(payload map[string]any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return payload
	}
	return v
}

func deepCopy(doc Document) Document {
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return doc
	}
	return out
}
