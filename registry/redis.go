package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meshwork-io/meshwork/core"
)

// RedisRegistry is a Redis-backed Registry for deployments where
// registrations should survive process restarts. Address order is kept in
// a Redis list per service so the rotation order matches registration
// order, per-address metadata lives in a hash, and the round-robin cursor
// is a Redis counter advanced with INCR so rotation stays fair across
// every process sharing the same Redis.
//
// This is a persistence backend, not a consensus layer: no multi-node
// consistency guarantees beyond what a single Redis provides.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisRegistry creates a Redis-backed registry from a Redis URL
// (e.g. redis://localhost:6379). The connection is verified with a ping.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	return NewRedisRegistryWithNamespace(redisURL, "meshwork")
}

// NewRedisRegistryWithNamespace creates a Redis-backed registry with a
// custom key namespace, for multiple meshes sharing one Redis.
func NewRedisRegistryWithNamespace(redisURL, namespace string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		logger:    &core.NoOpLogger{},
	}, nil
}

// SetLogger sets the logger for registry events
func (r *RedisRegistry) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r.logger = logger
}

func (r *RedisRegistry) addrsKey(service string) string {
	return fmt.Sprintf("%s:addrs:%s", r.namespace, service)
}

func (r *RedisRegistry) metaKey(service string) string {
	return fmt.Sprintf("%s:meta:%s", r.namespace, service)
}

func (r *RedisRegistry) cursorKey(service string) string {
	return fmt.Sprintf("%s:cursor:%s", r.namespace, service)
}

func (r *RedisRegistry) namesKey() string {
	return fmt.Sprintf("%s:services", r.namespace)
}

// Register adds an address for the named service. Re-registering an
// existing address refreshes its metadata without duplicating it in the
// rotation order.
func (r *RedisRegistry) Register(ctx context.Context, service, address string, metadata map[string]string) error {
	if service == "" || address == "" {
		return fmt.Errorf("service name and address are required: %w", core.ErrInvalidArgument)
	}

	addrs, err := r.client.LRange(ctx, r.addrsKey(service), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read address list: %w", err)
	}

	present := false
	for _, a := range addrs {
		if a == address {
			present = true
			break
		}
	}

	if !present {
		if err := r.client.RPush(ctx, r.addrsKey(service), address).Err(); err != nil {
			return fmt.Errorf("failed to register address: %w", err)
		}
	}

	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if err := r.client.HSet(ctx, r.metaKey(service), address, data).Err(); err != nil {
			return fmt.Errorf("failed to store metadata: %w", err)
		}
	}

	if err := r.client.SAdd(ctx, r.namesKey(), service).Err(); err != nil {
		return fmt.Errorf("failed to index service name: %w", err)
	}

	if !present {
		r.logger.Info("Service address registered", map[string]interface{}{
			"operation": "registry_register",
			"service":   service,
			"address":   address,
			"backend":   "redis",
		})
	}
	return nil
}

// Deregister removes an address for the named service. Removing an address
// that is not registered is a no-op.
func (r *RedisRegistry) Deregister(ctx context.Context, service, address string) error {
	removed, err := r.client.LRem(ctx, r.addrsKey(service), 0, address).Result()
	if err != nil {
		return fmt.Errorf("failed to deregister address: %w", err)
	}
	if removed == 0 {
		return nil
	}

	if err := r.client.HDel(ctx, r.metaKey(service), address).Err(); err != nil {
		return fmt.Errorf("failed to remove metadata: %w", err)
	}

	remaining, err := r.client.LLen(ctx, r.addrsKey(service)).Result()
	if err != nil {
		return fmt.Errorf("failed to read address list length: %w", err)
	}
	if remaining == 0 {
		if err := r.client.SRem(ctx, r.namesKey(), service).Err(); err != nil {
			return fmt.Errorf("failed to drop service name index: %w", err)
		}
	}

	r.logger.Info("Service address deregistered", map[string]interface{}{
		"operation": "registry_deregister",
		"service":   service,
		"address":   address,
		"backend":   "redis",
	})
	return nil
}

// Discover returns one address for the named service in round-robin order.
// The cursor counter is advanced with INCR and taken modulo the current
// address count, so a shrinking address list wraps safely instead of
// erroring.
func (r *RedisRegistry) Discover(ctx context.Context, service string) (string, error) {
	count, err := r.client.LLen(ctx, r.addrsKey(service)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read address list length: %w", err)
	}
	if count == 0 {
		return "", &core.MeshError{
			Op:   "registry.Discover",
			Kind: "registry",
			ID:   service,
			Err:  core.ErrServiceNotFound,
		}
	}

	cursor, err := r.client.Incr(ctx, r.cursorKey(service)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to advance rotation cursor: %w", err)
	}

	index := (cursor - 1) % count
	address, err := r.client.LIndex(ctx, r.addrsKey(service), index).Result()
	if err != nil {
		// The list may have shrunk between LLEN and LINDEX; treat as absent
		return "", &core.MeshError{
			Op:   "registry.Discover",
			Kind: "registry",
			ID:   service,
			Err:  core.ErrServiceNotFound,
		}
	}
	return address, nil
}

// ListServices enumerates all names with at least one registered address
func (r *RedisRegistry) ListServices(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Metadata returns the stored metadata for a registered address, or nil
func (r *RedisRegistry) Metadata(ctx context.Context, service, address string) (map[string]string, error) {
	data, err := r.client.HGet(ctx, r.metaKey(service), address).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// Close releases the underlying Redis connection
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var _ Registry = (*RedisRegistry)(nil)
