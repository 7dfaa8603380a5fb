package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/envelope"
	"github.com/meshwork-io/meshwork/registry"
	"github.com/meshwork-io/meshwork/telemetry"
)

func TestHTTPTransportRoundTrip(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("consult", func(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"answer":"yes"}`), nil
	}))

	mux := http.NewServeMux()
	mux.Handle(CallPath, router.HTTPHandler())
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := HTTPTransport()
	address := strings.TrimPrefix(server.URL, "http://")

	req, err := envelope.NewRequest("seer", "oracle", "consult",
		json.RawMessage(`{"question":"?"}`), nil)
	require.NoError(t, err)

	resp, err := transport(context.Background(), address, req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.JSONEq(t, `{"answer":"yes"}`, string(resp.Payload))
}

func TestHTTPTransportCarriesCorrelationHeader(t *testing.T) {
	var gotHeader string
	router := NewRouter()
	require.NoError(t, router.Handle("consult", echoHandler))

	mux := http.NewServeMux()
	mux.Handle(CallPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(telemetry.HeaderCorrelationID)
		router.HTTPHandler().ServeHTTP(w, r)
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	req, err := envelope.NewRequest("seer", "oracle", "consult", nil, nil)
	require.NoError(t, err)

	resp, err := HTTPTransport()(context.Background(),
		strings.TrimPrefix(server.URL, "http://"), req)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, gotHeader)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	req, err := envelope.NewRequest("seer", "oracle", "consult", nil, nil)
	require.NoError(t, err)

	// Port 1 is unassigned on loopback in CI
	_, err = HTTPTransport()(context.Background(), "127.0.0.1:1", req)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestHTTPTransportNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	req, err := envelope.NewRequest("seer", "oracle", "consult", nil, nil)
	require.NoError(t, err)

	_, err = HTTPTransport()(context.Background(),
		strings.TrimPrefix(server.URL, "http://"), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPHandlerRejectsBadEnvelopes(t *testing.T) {
	router := NewRouter()
	require.NoError(t, router.Handle("consult", echoHandler))
	server := httptest.NewServer(router.HTTPHandler())
	defer server.Close()

	// Non-POST methods
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// Malformed JSON
	resp, err = http.Post(server.URL, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unsupported envelope version
	resp, err = http.Post(server.URL, "application/json",
		strings.NewReader(`{"version":"99","correlation_id":"x","operation":"consult"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientOverHTTPEndToEnd(t *testing.T) {
	ctx := context.Background()

	router := NewRouter()
	require.NoError(t, router.Handle("verify", func(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
		var in struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"valid": in.Token == "open-sesame"})
	}))

	mux := http.NewServeMux()
	mux.Handle(CallPath, router.HTTPHandler())
	server := httptest.NewServer(mux)
	defer server.Close()

	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "auth",
		strings.TrimPrefix(server.URL, "http://"), nil))

	client, err := NewClient("gateway", reg, HTTPTransport())
	require.NoError(t, err)

	var result struct {
		Valid bool `json:"valid"`
	}
	err = client.Call(ctx, "auth", "verify", map[string]string{"token": "open-sesame"}, &result)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	err = client.Call(ctx, "auth", "verify", map[string]string{"token": "wrong"}, &result)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}
