package toolhub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	calls []string
	resp  map[string]any
	err   error
}

func (f *fakeServer) Call(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, tool)
	return f.resp, f.err
}

func TestFilterKnownDropsHallucinatedNames(t *testing.T) {
	h := New(nil)
	fake := &fakeServer{}
	h.Register(ToolMemorySave, fake)
	h.Register(ToolHomeRead, fake)

	got := h.FilterKnown([]string{ToolMemorySave, "totally_made_up_tool", ToolHomeRead})
	require.Equal(t, []string{ToolMemorySave, ToolHomeRead}, got)
}

func TestCallRejectsMissingRequiredArgs(t *testing.T) {
	h := New(nil)
	fake := &fakeServer{resp: map[string]any{"ok": true}}
	h.Register(ToolMemoryFactSave, fake, "key", "value")

	_, err := h.Call(context.Background(), ToolMemoryFactSave, map[string]any{"key": "demo"})
	require.Error(t, err)
	require.Empty(t, fake.calls, "server must not be invoked when a required arg is missing")
}

func TestCallDispatchesToRegisteredServer(t *testing.T) {
	h := New(nil)
	fake := &fakeServer{resp: map[string]any{"ok": true}}
	h.Register(ToolMemoryFactSave, fake, "key", "value")

	result, err := h.Call(context.Background(), ToolMemoryFactSave, map[string]any{"key": "demo", "value": "42"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)
	require.Equal(t, []string{ToolMemoryFactSave}, fake.calls)
}

func TestCallUnknownToolIsValidationError(t *testing.T) {
	h := New(nil)
	_, err := h.Call(context.Background(), "nonexistent", nil)
	require.Error(t, err)
}

func TestCallWithRateLimitBlocksUntilContextCancelled(t *testing.T) {
	h := New(nil, WithRateLimit(0.001, 1))
	fake := &fakeServer{resp: map[string]any{"ok": true}}
	h.Register(ToolMemorySave, fake)

	// First call consumes the single burst token immediately.
	_, err := h.Call(context.Background(), ToolMemorySave, nil)
	require.NoError(t, err)

	// Second call exceeds the burst and must wait; a near-instant deadline
	// forces Wait to return ctx.Err() instead of succeeding.
	ctx, cancel := context.WithTimeout(context.Background(), 1)
	defer cancel()
	_, err = h.Call(ctx, ToolMemorySave, nil)
	require.Error(t, err)
	require.Equal(t, []string{ToolMemorySave}, fake.calls, "rate-limited call must not reach the server")
}
