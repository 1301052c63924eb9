package store

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Manager routes instance names to stores. The table is fixed at construction
// so lookups need no locking.
type Manager struct {
	stores map[string]Store
}

// NewManager creates a Manager from a copy of stores.
func NewManager(stores map[string]Store) *Manager {
	return &Manager{stores: maps.Clone(stores)}
}

// Get returns the store for instanceName. The empty instance name is a tenant
// like any other; there is no fallback.
func (m *Manager) Get(instanceName string) (Store, error) {
	s, ok := m.stores[instanceName]
	if !ok {
		return nil, fmt.Errorf("%w: instance %q", ErrStoreNotFound, instanceName)
	}
	return s, nil
}

// Instances returns the configured instance names in sorted order.
func (m *Manager) Instances() []string {
	return slices.Sorted(maps.Keys(m.stores))
}

// Close closes every store that implements io.Closer.
func (m *Manager) Close() error {
	var errs []error
	for name, s := range m.stores {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing instance %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
