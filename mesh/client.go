// Package mesh composes the registry, circuit breaker, and envelope into
// the single call a business service actually uses.
//
// A Client resolves the target service through the registry, wraps the
// outbound dispatch in a per-target circuit breaker, and normalizes every
// expected failure mode (service not found, circuit open, transport
// failure) into a failed response envelope. Callers check one thing:
// Response.Success. Only programmer errors (invalid construction
// arguments) surface as Go errors.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meshwork-io/meshwork/breaker"
	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/envelope"
	"github.com/meshwork-io/meshwork/registry"
	"github.com/meshwork-io/meshwork/telemetry"
)

// Client is the mesh entry point for one calling service.
// It owns the per-target circuit breaker table for the process lifetime;
// breakers are created lazily on first call to a target.
type Client struct {
	source    string
	registry  registry.Registry
	transport Transport
	logger    core.Logger
	metrics   breaker.MetricsCollector

	failureThreshold int
	breakerTimeout   time.Duration

	mu       sync.RWMutex
	breakers map[string]*breaker.CircuitBreaker
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger for client and breaker events
func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBreakerSettings sets the failure threshold and cooldown applied to
// every lazily created per-target breaker
func WithBreakerSettings(failureThreshold int, timeout time.Duration) Option {
	return func(c *Client) {
		c.failureThreshold = failureThreshold
		c.breakerTimeout = timeout
	}
}

// WithMetrics sets the collector that receives breaker events, e.g. the
// telemetry package's OpenTelemetry counters
func WithMetrics(metrics breaker.MetricsCollector) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewClient creates a mesh client for the named calling service
func NewClient(source string, reg registry.Registry, transport Transport, opts ...Option) (*Client, error) {
	if source == "" {
		return nil, fmt.Errorf("source service name is required: %w", core.ErrInvalidArgument)
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required: %w", core.ErrInvalidArgument)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required: %w", core.ErrInvalidArgument)
	}

	c := &Client{
		source:           source,
		registry:         reg,
		transport:        transport,
		logger:           &core.NoOpLogger{},
		metrics:          breaker.NoOpMetrics(),
		failureThreshold: 5,
		breakerTimeout:   30 * time.Second,
		breakers:         make(map[string]*breaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.failureThreshold <= 0 || c.breakerTimeout <= 0 {
		return nil, fmt.Errorf("breaker settings must be positive: %w", core.ErrInvalidArgument)
	}
	return c, nil
}

// Send performs one mesh call: frame the request, resolve the target,
// and dispatch through the target's circuit breaker.
//
// Expected failures (service not found, circuit open, transport failure)
// come back as a failed Response, never as a Go error. The returned error
// is non-nil only for invalid arguments.
func (c *Client) Send(ctx context.Context, target, operation string, payload json.RawMessage, metadata map[string]string) (*envelope.Response, error) {
	md := telemetry.InjectTraceMetadata(ctx, copyMetadata(metadata))

	req, err := envelope.NewRequest(c.source, target, operation, payload, md)
	if err != nil {
		return nil, err
	}

	address, err := c.registry.Discover(ctx, target)
	if err != nil {
		// No address: fail before any breaker is consulted
		c.logger.Warn("Service resolution failed", map[string]interface{}{
			"operation":      "mesh_send",
			"target":         target,
			"correlation_id": req.CorrelationID,
			"error":          err.Error(),
		})
		return failedResponse(req, fmt.Sprintf("service %q not found in registry", target)), nil
	}

	br := c.breakerFor(target)

	var resp *envelope.Response
	execErr := br.Execute(ctx, func() error {
		r, err := c.transport(ctx, address, req)
		if err != nil {
			return err
		}
		if r.CorrelationID != req.CorrelationID {
			return &core.MeshError{
				Op:   "mesh.Send",
				Kind: "transport",
				ID:   req.CorrelationID,
				Err:  fmt.Errorf("%w: correlation id mismatch (got %q)", core.ErrTransport, r.CorrelationID),
			}
		}
		resp = r
		return nil
	})

	if execErr != nil {
		if core.IsCircuitOpen(execErr) {
			c.logger.Debug("Call rejected by open circuit", map[string]interface{}{
				"operation":      "mesh_send",
				"target":         target,
				"correlation_id": req.CorrelationID,
			})
			return failedResponse(req, fmt.Sprintf("circuit open for service %q", target)), nil
		}
		c.logger.Warn("Call failed", map[string]interface{}{
			"operation":      "mesh_send",
			"target":         target,
			"address":        address,
			"correlation_id": req.CorrelationID,
			"error":          execErr.Error(),
		})
		return failedResponse(req, execErr.Error()), nil
	}

	c.logger.Debug("Call completed", map[string]interface{}{
		"operation":      "mesh_send",
		"target":         target,
		"address":        address,
		"correlation_id": req.CorrelationID,
		"success":        resp.Success,
		"latency_ms":     resp.Latency(req).Milliseconds(),
	})
	return resp, nil
}

// Call is a convenience wrapper over Send that marshals the input value,
// fails on unsuccessful responses, and unmarshals the result payload into
// out (which may be nil to discard it).
func (c *Client) Call(ctx context.Context, target, operation string, in, out interface{}) error {
	var payload json.RawMessage
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = data
	}

	resp, err := c.Send(ctx, target, operation, payload, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &core.MeshError{
			Op:      "mesh.Call",
			Kind:    "call",
			ID:      resp.CorrelationID,
			Message: resp.Error,
			Err:     fmt.Errorf("call to %s/%s failed: %s", target, operation, resp.Error),
		}
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("failed to decode result payload: %w", err)
		}
	}
	return nil
}

// breakerFor returns the circuit breaker for a target, creating it on
// first use. Creation is double-checked so concurrent first calls to the
// same target share one instance.
func (c *Client) breakerFor(target string) *breaker.CircuitBreaker {
	c.mu.RLock()
	br, exists := c.breakers[target]
	c.mu.RUnlock()
	if exists {
		return br
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if br, exists = c.breakers[target]; exists {
		return br
	}

	cfg := &breaker.Config{
		Name:             fmt.Sprintf("%s->%s", c.source, target),
		FailureThreshold: c.failureThreshold,
		Timeout:          c.breakerTimeout,
		Logger:           c.logger,
		Metrics:          c.metrics,
	}
	// Config was validated at client construction; New cannot fail here
	br, err := breaker.New(cfg)
	if err != nil {
		panic(fmt.Sprintf("meshwork: breaker creation failed: %v", err))
	}
	c.breakers[target] = br
	return br
}

// BreakerStates returns the current state of every per-target breaker,
// keyed by target service name. Diagnostics helper.
func (c *Client) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for target, br := range c.breakers {
		states[target] = br.State()
	}
	return states
}

// Source returns the calling service's logical name
func (c *Client) Source() string {
	return c.source
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
