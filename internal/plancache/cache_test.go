package plancache

import (
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKeyCollapsesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, "hello world", NormalizeKey("  Hello   World  "))
	require.Equal(t, NormalizeKey("Remind me"), NormalizeKey("remind   me"))
}

func TestSetThenGetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	c := New(path, time.Minute)

	require.NoError(t, c.Set("k1", json.RawMessage(`{"intent":"x"}`)))
	v, ok := c.Get("k1")
	require.True(t, ok)
	require.JSONEq(t, `{"intent":"x"}`, string(v))
}

func TestExpiredEntryEvictedOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	now := time.Now().UTC()
	c := New(path, time.Second, withClock(func() time.Time { return now }))

	require.NoError(t, c.Set("k1", json.RawMessage(`{"intent":"x"}`)))
	now = now.Add(2 * time.Second)

	_, ok := c.Get("k1")
	require.False(t, ok)
}

func TestGetOrComputeDedupesConcurrentMisses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	c := New(path, time.Minute)

	var calls int64
	compute := func() (json.RawMessage, error) {
		atomic.AddInt64(&calls, 1)
		return json.RawMessage(`{"intent":"computed"}`), nil
	}

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, err := c.GetOrCompute("same-key", compute)
			require.NoError(t, err)
			require.JSONEq(t, `{"intent":"computed"}`, string(v))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.LessOrEqual(t, atomic.LoadInt64(&calls), int64(2), "singleflight should collapse near-simultaneous identical misses")
}
