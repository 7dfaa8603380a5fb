package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwork-io/meshwork/core"
	"github.com/meshwork-io/meshwork/envelope"
	"github.com/meshwork-io/meshwork/registry"
)

// transportDouble is a scriptable transport with a call counter
type transportDouble struct {
	calls   atomic.Int32
	respond func(req *envelope.Request) (*envelope.Response, error)
}

func (d *transportDouble) transport() Transport {
	return func(ctx context.Context, address string, req *envelope.Request) (*envelope.Response, error) {
		d.calls.Add(1)
		return d.respond(req)
	}
}

func succeedingDouble(payload json.RawMessage) *transportDouble {
	return &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			return envelope.NewSuccessResponse(req, payload)
		},
	}
}

func failingDouble(err error) *transportDouble {
	return &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			return nil, err
		},
	}
}

func TestNewClientValidation(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	transport := succeedingDouble(nil).transport()

	_, err := NewClient("", reg, transport)
	assert.True(t, core.IsInvalidArgument(err))

	_, err = NewClient("seer", nil, transport)
	assert.True(t, core.IsInvalidArgument(err))

	_, err = NewClient("seer", reg, nil)
	assert.True(t, core.IsInvalidArgument(err))

	_, err = NewClient("seer", reg, transport, WithBreakerSettings(0, time.Second))
	assert.True(t, core.IsInvalidArgument(err))
}

func TestSendEndToEnd(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	double := succeedingDouble(json.RawMessage(`{"answer":"all shall be well"}`))
	client, err := NewClient("seer", reg, double.transport())
	require.NoError(t, err)

	resp, err := client.Send(ctx, "oracle", "consult", json.RawMessage(`{"question":"?"}`), nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"answer":"all shall be well"}`, string(resp.Payload))
	assert.Equal(t, int32(1), double.calls.Load())

	// After deregistration the call fails without contacting the transport
	require.NoError(t, reg.Deregister(ctx, "oracle", "10.0.0.5:9000"))

	resp, err = client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "oracle")
	assert.Contains(t, resp.Error, "not found")
	assert.Empty(t, resp.Payload)
	assert.Equal(t, int32(1), double.calls.Load())
}

func TestSendInvalidArgumentsRaise(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	client, err := NewClient("seer", reg, succeedingDouble(nil).transport())
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "", "consult", nil, nil)
	assert.True(t, core.IsInvalidArgument(err))

	_, err = client.Send(context.Background(), "oracle", "", nil, nil)
	assert.True(t, core.IsInvalidArgument(err))
}

func TestSendCircuitOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	double := failingDouble(errors.New("connection refused"))
	client, err := NewClient("seer", reg, double.transport(),
		WithBreakerSettings(2, time.Minute))
	require.NoError(t, err)

	// Two transport failures trip the breaker; both surface as failed
	// responses carrying the underlying error text
	for i := 0; i < 2; i++ {
		resp, err := client.Send(ctx, "oracle", "consult", nil, nil)
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "connection refused")
	}
	assert.Equal(t, int32(2), double.calls.Load())
	assert.Equal(t, "open", client.BreakerStates()["oracle"])

	// The third call fails fast without network I/O
	resp, err := client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "circuit open")
	assert.Equal(t, int32(2), double.calls.Load())
}

func TestSendBreakerRecovers(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	var fail atomic.Bool
	fail.Store(true)
	double := &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			if fail.Load() {
				return nil, errors.New("connection refused")
			}
			return envelope.NewSuccessResponse(req, json.RawMessage(`{"ok":true}`))
		},
	}

	client, err := NewClient("seer", reg, double.transport(),
		WithBreakerSettings(1, 100*time.Millisecond))
	require.NoError(t, err)

	resp, err := client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "open", client.BreakerStates()["oracle"])

	// Dependency recovers; after the cooldown the probe closes the breaker
	fail.Store(false)
	time.Sleep(250 * time.Millisecond)

	resp, err = client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "closed", client.BreakerStates()["oracle"])
}

func TestSendBreakersArePerTarget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))
	require.NoError(t, reg.Register(ctx, "auth", "10.0.0.6:9000", nil))

	double := &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			if req.TargetService == "oracle" {
				return nil, errors.New("oracle is down")
			}
			return envelope.NewSuccessResponse(req, nil)
		},
	}

	client, err := NewClient("seer", reg, double.transport(),
		WithBreakerSettings(1, time.Minute))
	require.NoError(t, err)

	resp, err := client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)

	// The auth breaker is unaffected by oracle's open circuit
	resp, err = client.Send(ctx, "auth", "verify", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	states := client.BreakerStates()
	assert.Equal(t, "open", states["oracle"])
	assert.Equal(t, "closed", states["auth"])
}

func TestSendRejectsCorrelationMismatch(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	double := &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			return &envelope.Response{
				Version:       envelope.SchemaVersion,
				CorrelationID: "someone-elses-reply",
				Success:       true,
			}, nil
		},
	}

	client, err := NewClient("seer", reg, double.transport())
	require.NoError(t, err)

	resp, err := client.Send(ctx, "oracle", "consult", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "correlation id mismatch")
}

func TestSendDoesNotMutateCallerMetadata(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	client, err := NewClient("seer", reg, succeedingDouble(nil).transport())
	require.NoError(t, err)

	md := map[string]string{"tenant": "delphi"}
	_, err = client.Send(ctx, "oracle", "consult", nil, md)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "delphi"}, md)
}

func TestBreakerForSharedUnderConcurrency(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	client, err := NewClient("seer", reg, succeedingDouble(nil).transport())
	require.NoError(t, err)

	const goroutines = 16
	results := make([]interface{}, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = client.breakerFor("oracle")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i], "duplicate breaker created for the same target")
	}
	assert.Len(t, client.BreakerStates(), 1)
}

func TestCallConvenienceWrapper(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "oracle", "10.0.0.5:9000", nil))

	double := &transportDouble{
		respond: func(req *envelope.Request) (*envelope.Response, error) {
			var in struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(req.Payload, &in); err != nil {
				return nil, err
			}
			out, _ := json.Marshal(map[string]string{"echo": in.Question})
			return envelope.NewSuccessResponse(req, out)
		},
	}

	client, err := NewClient("seer", reg, double.transport())
	require.NoError(t, err)

	var result struct {
		Echo string `json:"echo"`
	}
	err = client.Call(ctx, "oracle", "consult",
		map[string]string{"question": "what lies ahead"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "what lies ahead", result.Echo)

	// Failed responses come back as errors from Call
	err = client.Call(ctx, "unregistered", "consult", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSendConcurrentCallsRoundRobin(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Register(ctx, "oracle", fmt.Sprintf("10.0.0.%d:9000", i), nil))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	double := Transport(func(ctx context.Context, address string, req *envelope.Request) (*envelope.Response, error) {
		mu.Lock()
		seen[address]++
		mu.Unlock()
		return envelope.NewSuccessResponse(req, nil)
	})

	client, err := NewClient("seer", reg, double)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Send(ctx, "oracle", "consult", nil, nil)
		}()
	}
	wg.Wait()

	// 30 calls across 3 addresses: rotation hands each address 10 calls
	for addr, count := range seen {
		assert.Equal(t, 10, count, "address %s", addr)
	}
	assert.Len(t, seen, 3)
}
