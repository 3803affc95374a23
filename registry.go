package asyncstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// Registry hands out one Store per directory so every caller in a process
// shares the same queue for a path.
type Registry struct {
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns a registry whose stores are created with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts, stores: make(map[string]*Store)}
}

// OpenOrCreate returns the store for path, creating it on first use. opts
// apply only when the store is created.
func (r *Registry) OpenOrCreate(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty store path", ErrTypeMismatch)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[abs]; ok {
		return s, nil
	}
	all := append(append([]Option(nil), r.opts...), opts...)
	s, err := New(abs, all...)
	if err != nil {
		return nil, err
	}
	r.stores[abs] = s
	return s, nil
}

// Close removes s from the registry and closes it. A later OpenOrCreate
// for the same path returns a new store.
func (r *Registry) Close(ctx context.Context, s *Store) error {
	r.mu.Lock()
	if cur, ok := r.stores[s.path]; ok && cur == s {
		delete(r.stores, s.path)
	}
	r.mu.Unlock()
	return s.Close(ctx)
}

// CloseAll closes every store in the registry.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]*Store)
	r.mu.Unlock()

	var err error
	for _, s := range stores {
		err = multierr.Append(err, s.Close(ctx))
	}
	return err
}

// Len returns the number of open stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
