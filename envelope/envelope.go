// Package envelope defines the structured unit of inter-service communication.
//
// Every call through the mesh is framed as a Request envelope and answered
// with a Response envelope. Envelopes carry a correlation id linking the two,
// the logical source and target service names, the operation being invoked,
// an opaque payload, and free-form string metadata. The mesh never inspects
// payload contents.
//
// Envelopes are immutable after construction and safe to share across
// goroutines. Construction goes through NewRequest/NewResponse so that the
// correlation id and creation timestamp can never be forgotten by callers.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshwork-io/meshwork/core"
)

// SchemaVersion identifies the envelope wire schema. It is stamped into
// every envelope so receivers can reject frames they do not understand.
const SchemaVersion = "1"

// Request is the envelope for a single inter-service call.
type Request struct {
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id"`
	SourceService string            `json:"source_service"`
	TargetService string            `json:"target_service"`
	Operation     string            `json:"operation"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Response is the envelope answering a Request. Exactly one of Payload and
// Error is meaningfully populated, gated by Success.
type Response struct {
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id"`
	Success       bool              `json:"success"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewRequest builds a request envelope with a fresh correlation id and
// creation timestamp. Source, target, and operation must be non-empty.
// Metadata is copied, never aliased, so the caller's map stays theirs.
func NewRequest(source, target, operation string, payload json.RawMessage, metadata map[string]string) (*Request, error) {
	if source == "" {
		return nil, fmt.Errorf("source service is required: %w", core.ErrInvalidArgument)
	}
	if target == "" {
		return nil, fmt.Errorf("target service is required: %w", core.ErrInvalidArgument)
	}
	if operation == "" {
		return nil, fmt.Errorf("operation is required: %w", core.ErrInvalidArgument)
	}

	return &Request{
		Version:       SchemaVersion,
		CorrelationID: uuid.NewString(),
		SourceService: source,
		TargetService: target,
		Operation:     operation,
		Payload:       clonePayload(payload),
		Metadata:      cloneMetadata(metadata),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewResponse builds a response envelope for the given request, propagating
// its correlation id unchanged. Payload and error message are mutually
// exclusive: a successful response must not carry an error message and a
// failed response must not carry a payload. The exclusivity is enforced
// here rather than left to convention.
func NewResponse(req *Request, success bool, payload json.RawMessage, errMsg string) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required: %w", core.ErrInvalidArgument)
	}
	if success && errMsg != "" {
		return nil, fmt.Errorf("successful response cannot carry an error message: %w", core.ErrInvalidArgument)
	}
	if !success && len(payload) > 0 {
		return nil, fmt.Errorf("failed response cannot carry a payload: %w", core.ErrInvalidArgument)
	}

	return &Response{
		Version:       SchemaVersion,
		CorrelationID: req.CorrelationID,
		Success:       success,
		Payload:       clonePayload(payload),
		Error:         errMsg,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewSuccessResponse builds a successful response carrying the given payload.
func NewSuccessResponse(req *Request, payload json.RawMessage) (*Response, error) {
	return NewResponse(req, true, payload, "")
}

// NewErrorResponse builds a failed response carrying the given error message.
func NewErrorResponse(req *Request, errMsg string) (*Response, error) {
	return NewResponse(req, false, nil, errMsg)
}

// Latency reports the elapsed time between the request's creation and the
// response's creation. Used for latency measurement and staleness checks.
func (r *Response) Latency(req *Request) time.Duration {
	if req == nil {
		return 0
	}
	return r.CreatedAt.Sub(req.CreatedAt)
}

// Meta returns the value for a metadata key, or the empty string
func (r *Request) Meta(key string) string {
	return r.Metadata[key]
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
