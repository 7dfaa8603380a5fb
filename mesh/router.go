package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/envelope"
	"github.com/meshwork-io/meshwork/telemetry"
)

// Handler processes one named operation. The returned payload becomes the
// success response; a returned error becomes a failed response carrying the
// error text.
type Handler func(ctx context.Context, req *envelope.Request) (json.RawMessage, error)

// Router dispatches inbound request envelopes to handlers registered per
// operation name. Registration is validated up front (empty names and
// duplicates are rejected) so dispatch is a plain table lookup, not string
// probing at call time.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   core.Logger
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger sets the logger for dispatch events
func (r *Router) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Handle registers a handler for an operation name. Registering an empty
// name or a nil handler fails with ErrInvalidArgument; registering the same
// name twice fails with ErrDuplicateOperation.
func (r *Router) Handle(operation string, h Handler) error {
	if operation == "" {
		return fmt.Errorf("operation name is required: %w", core.ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("handler is required: %w", core.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[operation]; exists {
		return &core.MeshError{
			Op:   "router.Handle",
			Kind: "dispatch",
			ID:   operation,
			Err:  core.ErrDuplicateOperation,
		}
	}
	r.handlers[operation] = h
	return nil
}

// Operations enumerates the registered operation names, sorted
func (r *Router) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Dispatch routes a request envelope to its handler and frames the result
// as a response envelope. Unknown operations and handler errors become
// failed responses; Dispatch itself never returns an error to keep the
// inbound surface uniform.
func (r *Router) Dispatch(ctx context.Context, req *envelope.Request) *envelope.Response {
	ctx = telemetry.ExtractTraceMetadata(ctx, req.Metadata)

	r.mu.RLock()
	h, exists := r.handlers[req.Operation]
	logger := r.logger
	r.mu.RUnlock()

	if !exists {
		logger.Warn("Rejected unknown operation", map[string]interface{}{
			"operation":      "router_dispatch",
			"call_operation": req.Operation,
			"correlation_id": req.CorrelationID,
			"source":         req.SourceService,
		})
		return failedResponse(req, fmt.Sprintf("unknown operation %q", req.Operation))
	}

	payload, err := h(ctx, req)
	if err != nil {
		logger.Info("Handler returned error", map[string]interface{}{
			"operation":      "router_dispatch",
			"call_operation": req.Operation,
			"correlation_id": req.CorrelationID,
			"error":          err.Error(),
		})
		return failedResponse(req, err.Error())
	}

	resp, err := envelope.NewSuccessResponse(req, payload)
	if err != nil {
		// Only reachable with a nil request, which Dispatch never passes
		return failedResponse(req, err.Error())
	}
	return resp
}

// HTTPHandler adapts the router to net/http, decoding request envelopes
// posted to it and encoding response envelopes back. Pair it with
// HTTPTransport on the calling side.
func (r *Router) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, httpReq *http.Request) {
		if httpReq.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req envelope.Request
		if err := json.NewDecoder(httpReq.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request envelope", http.StatusBadRequest)
			return
		}
		if req.Version != envelope.SchemaVersion {
			http.Error(w, fmt.Sprintf("unsupported envelope version %q", req.Version), http.StatusBadRequest)
			return
		}

		ctx := telemetry.ExtractTraceHeaders(httpReq.Context(), httpReq.Header)
		resp := r.Dispatch(ctx, &req)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(telemetry.HeaderCorrelationID, resp.CorrelationID)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// LocalTransport returns an in-process Transport that dispatches directly
// into the given router, for tests and single-process deployments
func LocalTransport(router *Router) Transport {
	return func(ctx context.Context, address string, req *envelope.Request) (*envelope.Response, error) {
		return router.Dispatch(ctx, req), nil
	}
}

// failedResponse builds a failed response envelope. The constructor can
// only fail on a nil request, which callers here never pass.
func failedResponse(req *envelope.Request, msg string) *envelope.Response {
	resp, err := envelope.NewErrorResponse(req, msg)
	if err != nil {
		return &envelope.Response{
			Version:       envelope.SchemaVersion,
			CorrelationID: req.CorrelationID,
			Success:       false,
			Error:         msg,
		}
	}
	return resp
}
