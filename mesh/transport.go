package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/envelope"
	"github.com/meshwork-io/meshwork/telemetry"
)

// Transport dispatches a request envelope to a concrete address and returns
// the response envelope. Concrete transports (HTTP, in-process for testing)
// are supplied by the deployment; the mesh core stays transport-agnostic.
//
// A Transport must not retry: admission control and failure accounting
// happen in the circuit breaker wrapping it.
type Transport func(ctx context.Context, address string, req *envelope.Request) (*envelope.Response, error)

// CallPath is the HTTP path the mesh posts envelopes to
const CallPath = "/mesh/v1/call"

type httpTransportOptions struct {
	client  *http.Client
	timeout time.Duration
	scheme  string
}

// HTTPTransportOption configures HTTPTransport
type HTTPTransportOption func(*httpTransportOptions)

// WithHTTPTimeout sets the HTTP client timeout
func WithHTTPTimeout(d time.Duration) HTTPTransportOption {
	return func(o *httpTransportOptions) { o.timeout = d }
}

// WithHTTPClient supplies a custom HTTP client (connection pools, TLS)
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(o *httpTransportOptions) { o.client = client }
}

// WithHTTPScheme sets the URL scheme, defaulting to "http"
func WithHTTPScheme(scheme string) HTTPTransportOption {
	return func(o *httpTransportOptions) { o.scheme = scheme }
}

// HTTPTransport returns a Transport that posts JSON envelopes over HTTP.
// The underlying round tripper is instrumented with otelhttp and W3C trace
// context plus the correlation id are carried in headers. Deadlines are the
// caller's: the supplied context and the client timeout bound each call.
func HTTPTransport(opts ...HTTPTransportOption) Transport {
	options := &httpTransportOptions{
		timeout: 30 * time.Second,
		scheme:  "http",
	}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		client = &http.Client{
			Timeout:   options.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return func(ctx context.Context, address string, req *envelope.Request) (*envelope.Response, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, transportError(req, fmt.Errorf("failed to encode request envelope: %v", err))
		}

		url := fmt.Sprintf("%s://%s%s", options.scheme, address, CallPath)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, transportError(req, fmt.Errorf("failed to build request: %v", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		telemetry.InjectTraceHeaders(ctx, httpReq.Header, req.CorrelationID)

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, transportError(req, err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, transportError(req, fmt.Errorf("failed to read response body: %v", err))
		}

		if httpResp.StatusCode != http.StatusOK {
			return nil, transportError(req, fmt.Errorf("unexpected status %d", httpResp.StatusCode))
		}

		var resp envelope.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, transportError(req, fmt.Errorf("failed to decode response envelope: %v", err))
		}
		return &resp, nil
	}
}

func transportError(req *envelope.Request, cause error) error {
	return &core.MeshError{
		Op:   "transport.HTTP",
		Kind: "transport",
		ID:   req.CorrelationID,
		Err:  fmt.Errorf("%w: %v", core.ErrTransport, cause),
	}
}
