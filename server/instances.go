package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/store/disk"
	"github.com/wolfeidau/bache/store/memory"
)

// StoreKind selects the store implementation backing an instance.
type StoreKind string

const (
	KindMemory StoreKind = "memory"
	KindDisk   StoreKind = "disk"
)

// defaultInstanceDir holds the disk store of the empty instance name.
const defaultInstanceDir = "_default"

// InstanceConfig is one entry in the tenant table.
type InstanceConfig struct {
	Name string
	Kind StoreKind
}

// ParseInstance parses a "name=kind" instance entry. The name may be empty
// but may not contain a slash, since resource names carry the instance as a
// single leading segment.
func ParseInstance(s string) (InstanceConfig, error) {
	i := strings.LastIndex(s, "=")
	if i < 0 {
		return InstanceConfig{}, fmt.Errorf("instance %q: expected name=kind", s)
	}
	name, kind := s[:i], StoreKind(s[i+1:])

	switch kind {
	case KindMemory, KindDisk:
	default:
		return InstanceConfig{}, fmt.Errorf("instance %q: unknown store kind %q (want memory or disk)", s, kind)
	}

	if strings.Contains(name, "/") || name == "." || name == ".." {
		return InstanceConfig{}, fmt.Errorf("instance %q: invalid name %q", s, name)
	}

	return InstanceConfig{Name: name, Kind: kind}, nil
}

// openStores builds the instance table. Stores opened before a failure are
// closed again.
func (s *Server) openStores(ctx context.Context) (*store.Manager, error) {
	stores := make(map[string]store.Store, len(s.config.Instances))
	closeAll := func() {
		_ = store.NewManager(stores).Close()
	}

	for _, inst := range s.config.Instances {
		if _, ok := stores[inst.Name]; ok {
			closeAll()
			return nil, fmt.Errorf("instance %q configured more than once", inst.Name)
		}

		logger := s.logger.With("instance", inst.Name)
		switch inst.Kind {
		case KindMemory:
			stores[inst.Name] = memory.New(memory.Config{
				MaxSize: s.config.MemoryMaxSize,
			}, memory.WithLogger(logger))
		case KindDisk:
			ds, err := disk.Open(ctx, disk.Config{
				Path:          s.instancePath(inst.Name),
				Instance:      inst.Name,
				MaxSize:       s.config.DiskMaxSize,
				TTL:           s.config.DiskTTL,
				CheckInterval: s.config.ExpiryCheckInterval,
				Compression:   s.config.DiskCompression,
			}, disk.WithLogger(logger))
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("opening instance %q: %w", inst.Name, err)
			}
			stores[inst.Name] = ds
		default:
			closeAll()
			return nil, errors.New("unknown store kind " + string(inst.Kind))
		}
	}

	return store.NewManager(stores), nil
}

// instancePath gives each instance its own directory under StoragePath.
func (s *Server) instancePath(name string) string {
	if name == "" {
		name = defaultInstanceDir
	}
	return filepath.Join(s.config.StoragePath, url.PathEscape(name))
}
