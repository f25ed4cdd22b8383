package registry

import (
	"fmt"
	"strings"
	"sync"

	"taskhub/internal/providers"
)

type entry struct {
	desc    providers.Descriptor
	adapter providers.Adapter
}

// Registry holds provider descriptors and their adapters in registration order.
// It is populated at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	byID    map[string]int
}

func New() *Registry {
	return &Registry{byID: map[string]int{}}
}

func (r *Registry) Register(desc providers.Descriptor, adapter providers.Adapter) error {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return fmt.Errorf("register provider: id is empty")
	}
	if adapter == nil {
		return fmt.Errorf("register provider %q: adapter is nil", desc.ID)
	}
	if len(desc.Capabilities) == 0 {
		return fmt.Errorf("register provider %q: no capabilities", desc.ID)
	}
	if desc.CostPerUnit < 0 {
		return fmt.Errorf("register provider %q: negative cost per unit", desc.ID)
	}
	desc.Capabilities = append([]providers.Capability(nil), desc.Capabilities...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[desc.ID]; dup {
		return fmt.Errorf("register provider %q: already registered", desc.ID)
	}
	r.byID[desc.ID] = len(r.entries)
	r.entries = append(r.entries, entry{desc: desc, adapter: adapter})
	return nil
}

// Get returns the descriptor registered under id. Ids are compared after
// trimming surrounding whitespace, as Register stores them.
func (r *Registry) Get(id string) (providers.Descriptor, error) {
	id = strings.TrimSpace(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return providers.Descriptor{}, &providers.NotFoundError{ID: id}
	}
	return cloneDescriptor(r.entries[i].desc), nil
}

// List returns descriptors in registration order. An empty capability lists all.
func (r *Registry) List(capability providers.Capability) []providers.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if capability != "" && !e.desc.Supports(capability) {
			continue
		}
		out = append(out, cloneDescriptor(e.desc))
	}
	return out
}

func (r *Registry) Has(capability providers.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.desc.Supports(capability) {
			return true
		}
	}
	return false
}

// Resolve picks the adapter for a dispatch. A non-empty preferredID must name a
// provider advertising capability; otherwise the first registered provider for
// capability is used.
func (r *Registry) Resolve(capability providers.Capability, preferredID string) (providers.Descriptor, providers.Adapter, error) {
	preferredID = strings.TrimSpace(preferredID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferredID != "" {
		i, ok := r.byID[preferredID]
		if !ok || !r.entries[i].desc.Supports(capability) {
			return providers.Descriptor{}, nil, &providers.NotFoundError{ID: preferredID, Capability: capability}
		}
		return cloneDescriptor(r.entries[i].desc), r.entries[i].adapter, nil
	}
	for _, e := range r.entries {
		if e.desc.Supports(capability) {
			return cloneDescriptor(e.desc), e.adapter, nil
		}
	}
	return providers.Descriptor{}, nil, &providers.NotFoundError{Capability: capability}
}

func cloneDescriptor(d providers.Descriptor) providers.Descriptor {
	d.Capabilities = append([]providers.Capability(nil), d.Capabilities...)
	return d
}
