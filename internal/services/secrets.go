package services

import "sync"

// SecretStore answers existence checks for tenant-scoped secret names.
// Secret values never pass through the runtime core; workflows reference
// secrets by name and the owning action implementations resolve them.
type SecretStore interface {
	Exists(tenantID, name string) bool
}

// MemorySecretStore is an in-memory SecretStore for tests and single-process
// setups.
type MemorySecretStore struct {
	mu    sync.RWMutex
	names map[string]bool // tenant/name
}

// NewMemorySecretStore creates an empty MemorySecretStore.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{names: make(map[string]bool)}
}

// Put registers a secret name for a tenant.
func (s *MemorySecretStore) Put(tenantID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[tenantID+"/"+name] = true
}

// Exists reports whether a tenant has a secret under the given name.
func (s *MemorySecretStore) Exists(tenantID, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[tenantID+"/"+name]
}
