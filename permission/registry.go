package permission

import (
	"errors"
	"sort"
	"sync"
)

// Registry is the catalogue of permission keys an installation recognises.
// Roles registered with a [RoleManager] may only reference registered keys.
type Registry struct {
	mu     sync.RWMutex
	keys   map[string]struct{}
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]struct{})}
}

// NewDefaultRegistry returns a registry preloaded with the built-in keys.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range builtinKeys {
		_, _ = r.Register(k)
	}
	return r
}

var builtinKeys = []string{
	OrgRead, OrgUpdate, OrgDelete,
	MemberRead, MemberInvite, MemberUpdate, MemberRemove,
	WebhookRead, WebhookManage,
	AuditRead,
}

// Register adds key to the registry. Must be called before [Registry.Freeze].
// Registering an existing key is a no-op and reports false.
func (r *Registry) Register(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return false, errors.New("registry frozen")
	}
	if key == "" {
		return false, errors.New("permission name cannot be empty")
	}
	if key == Wildcard {
		return false, errors.New("wildcard cannot be registered")
	}
	if _, exists := r.keys[key]; exists {
		return false, nil
	}
	r.keys[key] = struct{}{}
	return true, nil
}

// Has reports whether key is registered. The wildcard is always known.
func (r *Registry) Has(key string) bool {
	if key == Wildcard {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

// Keys returns every registered key in lexical order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
