package ipfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type StoreFactory func(ctx context.Context) (Store, error)

// Registry maps backend names ("pinata", "filebase") to store factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StoreFactory)}
}

func (r *Registry) Register(name string, f StoreFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string) (Store, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ipfs backend: %s", name)
	}
	return f(ctx)
}
