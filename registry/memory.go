package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/meshwork-io/meshwork/core"
)

// entry holds the registry state for one service name. Address insertion
// order is preserved to keep the round-robin rotation stable; the cursor
// is part of the protected state so fairness holds under concurrent
// discovery from multiple goroutines.
type entry struct {
	addresses []string
	metadata  map[string]map[string]string // address -> metadata
	cursor    int
}

// InMemoryRegistry is the single-process, in-memory service directory.
// A single lock serializes all mutations including the rotation cursor
// advance inside Discover; ListServices takes the read side only.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]*entry
	logger   core.Logger
}

// NewInMemoryRegistry creates an empty in-memory registry
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		services: make(map[string]*entry),
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger sets the logger for registry events
func (r *InMemoryRegistry) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Register adds an address for the named service. Registering an address
// that is already present is a no-op.
func (r *InMemoryRegistry) Register(ctx context.Context, service, address string, metadata map[string]string) error {
	if service == "" || address == "" {
		return fmt.Errorf("service name and address are required: %w", core.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.services[service]
	if !exists {
		e = &entry{metadata: make(map[string]map[string]string)}
		r.services[service] = e
	}

	for _, a := range e.addresses {
		if a == address {
			// Already registered; refresh metadata only
			e.metadata[address] = copyMetadata(metadata)
			return nil
		}
	}

	e.addresses = append(e.addresses, address)
	e.metadata[address] = copyMetadata(metadata)

	r.logger.Info("Service address registered", map[string]interface{}{
		"operation": "registry_register",
		"service":   service,
		"address":   address,
		"addresses": len(e.addresses),
	})
	return nil
}

// Deregister removes an address for the named service. Removing an address
// that is not registered is a no-op. The entry itself is retained for
// bookkeeping; a name with zero addresses is logically absent.
func (r *InMemoryRegistry) Deregister(ctx context.Context, service, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.services[service]
	if !exists {
		return nil
	}

	for i, a := range e.addresses {
		if a == address {
			e.addresses = append(e.addresses[:i], e.addresses[i+1:]...)
			delete(e.metadata, address)

			// Keep the cursor pointing at the element that followed the
			// removed one; wrap to 0 when it falls off the end.
			if i < e.cursor {
				e.cursor--
			}
			if len(e.addresses) == 0 || e.cursor >= len(e.addresses) {
				e.cursor = 0
			}

			r.logger.Info("Service address deregistered", map[string]interface{}{
				"operation": "registry_deregister",
				"service":   service,
				"address":   address,
				"addresses": len(e.addresses),
			})
			return nil
		}
	}
	return nil
}

// Discover returns one address for the named service in round-robin order.
// The cursor advances after the selected address is read so concurrent
// discoverers observe progressively different addresses.
func (r *InMemoryRegistry) Discover(ctx context.Context, service string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.services[service]
	if !exists || len(e.addresses) == 0 {
		return "", &core.MeshError{
			Op:   "registry.Discover",
			Kind: "registry",
			ID:   service,
			Err:  core.ErrServiceNotFound,
		}
	}

	if e.cursor >= len(e.addresses) {
		e.cursor = 0
	}
	address := e.addresses[e.cursor]
	e.cursor = (e.cursor + 1) % len(e.addresses)

	return address, nil
}

// ListServices enumerates all names with at least one registered address,
// sorted for stable diagnostics output.
func (r *InMemoryRegistry) ListServices(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name, e := range r.services {
		if len(e.addresses) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Addresses returns a copy of the current address list for a service.
// Diagnostics helper; the registry exclusively owns the underlying state.
func (r *InMemoryRegistry) Addresses(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.services[service]
	if !exists {
		return nil
	}
	out := make([]string, len(e.addresses))
	copy(out, e.addresses)
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Registry = (*InMemoryRegistry)(nil)
