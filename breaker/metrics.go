package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshwork-io/meshwork/core"
)

// MetricsCollector receives circuit breaker events for monitoring.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// NoOpMetrics returns a MetricsCollector that discards everything
func NoOpMetrics() MetricsCollector {
	return &noopMetrics{}
}

// errorType maps an error to a low-cardinality label for metrics
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, core.ErrTransport):
		return "transport"
	case errors.Is(err, core.ErrServiceNotFound):
		return "not_found"
	default:
		var meshErr *core.MeshError
		if errors.As(err, &meshErr) && meshErr.Kind != "" {
			return meshErr.Kind
		}
		return fmt.Sprintf("%T", err)
	}
}
