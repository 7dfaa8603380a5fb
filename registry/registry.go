// Package registry tracks which network addresses currently serve each
// logical service name and hands out one address per discovery call using
// round-robin rotation.
//
// Two implementations are provided: InMemoryRegistry, the single-process
// in-memory directory the mesh core assumes, and RedisRegistry, a
// Redis-backed variant for deployments that want registrations to survive
// process restarts. Both satisfy the same Registry contract; clustered
// consistency guarantees are a deployment concern outside this package.
package registry

import "context"

// Registry is the directory mapping logical service names to live addresses.
// All implementations must be safe for concurrent use.
type Registry interface {
	// Register adds an address for the named service. It is idempotent:
	// registering an address that is already present is a no-op. Callers
	// are responsible for confirming the address is actually reachable.
	Register(ctx context.Context, service, address string, metadata map[string]string) error

	// Deregister removes an address for the named service. Removing an
	// address that is not registered is a no-op, not an error.
	Deregister(ctx context.Context, service, address string) error

	// Discover returns one address for the named service, rotating
	// round-robin across all currently registered addresses. It fails with
	// core.ErrServiceNotFound if the name has never been registered or
	// currently has zero addresses.
	Discover(ctx context.Context, service string) (string, error)

	// ListServices enumerates all names that currently have at least one
	// registered address. Used for diagnostics.
	ListServices(ctx context.Context) ([]string, error)
}
