package provider

import (
	"fmt"
	"sort"

	"github.com/taskup/backend/internal/models"
)

// Registry maps a provider name to its adapter and webhook signing secret.
type Registry struct {
	entries map[models.Provider]entry
}

type entry struct {
	adapter Adapter
	secret  string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[models.Provider]entry)}
}

// Register adds an adapter. It is not safe to call after the registry is shared.
func (r *Registry) Register(a Adapter, webhookSecret string) {
	r.entries[a.Name()] = entry{adapter: a, secret: webhookSecret}
}

func (r *Registry) Get(p models.Provider) (Adapter, error) {
	e, ok := r.entries[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return e.adapter, nil
}

func (r *Registry) Secret(p models.Provider) string {
	return r.entries[p].secret
}

func (r *Registry) Names() []models.Provider {
	names := make([]models.Provider, 0, len(r.entries))
	for p := range r.entries {
		names = append(names, p)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
