package lock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "digest.lock")
	opts := []Option{WithTimeout(300 * time.Second)}
	if now != nil {
		opts = append(opts, withClock(now))
	}
	return New(path, opts...)
}

func TestAcquire_FreshLockSucceeds(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Acquire("worker-a"))

	info := s.Info()
	require.NotNil(t, info)
	require.Equal(t, "worker-a", info.Owner)
}

func TestAcquire_HeldByOtherOwnerBlocks(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Acquire("worker-a"))
	require.False(t, s.Acquire("worker-b"))
}

func TestRelease_ThenReacquireByAnyOwnerSucceeds(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Acquire("worker-a"))
	require.True(t, s.Release("worker-a"))
	require.True(t, s.Acquire("worker-b"))
}

func TestRelease_ByNonOwnerFails(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Acquire("worker-a"))
	require.False(t, s.Release("worker-b"))

	info := s.Info()
	require.NotNil(t, info)
	require.Equal(t, "worker-a", info.Owner, "lock must remain held by the original owner")
}

func TestRelease_AbsentLockIsNoopTrue(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Release("nobody"))
}

func TestAcquire_StaleLockAllowsTakeover(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := base
	s := newTestService(t, func() time.Time { return clock })

	require.True(t, s.Acquire("worker-a"))

	// Age the lock past the 300s timeout (locked at age 400s per spec example).
	clock = base.Add(400 * time.Second)
	require.True(t, s.Acquire("worker-b"), "a 400s-old lock with a 300s timeout must be stale-takeover eligible")

	info := s.Info()
	require.NotNil(t, info)
	require.Equal(t, "worker-b", info.Owner)
}

func TestAcquire_StaleTakeoverLeavesNoSentinel(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := base
	s := newTestService(t, func() time.Time { return clock })

	require.True(t, s.Acquire("worker-a"))
	clock = base.Add(400 * time.Second)
	require.True(t, s.Acquire("worker-b"))

	_, err := os.Stat(s.path + ".takeover")
	require.True(t, os.IsNotExist(err), ".takeover sentinel must not survive a completed takeover")
}

// TestAcquire_ConcurrentStaleTakeover_ExactlyOneWins models the spec example:
// a 400s-old lock with timeout_s=300, two workers racing to take it over
// concurrently. Exactly one must succeed.
func TestAcquire_ConcurrentStaleTakeover_ExactlyOneWins(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	aged := base.Add(400 * time.Second)
	s := newTestService(t, func() time.Time { return aged })

	seed := newTestService(t, func() time.Time { return base })
	seed.path = s.path
	require.True(t, seed.Acquire("worker-seed"))

	const n = 8
	var wins int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		owner := ownerName(i)
		go func(owner string) {
			defer wg.Done()
			if s.Acquire(owner) {
				atomic.AddInt64(&wins, 1)
			}
		}(owner)
	}
	wg.Wait()

	require.Equal(t, int64(1), wins, "exactly one concurrent stale-takeover attempt must succeed")

	_, err := os.Stat(s.path + ".takeover")
	require.True(t, os.IsNotExist(err), ".takeover sentinel must be absent after all workers complete")
}

func ownerName(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestGetStatus_FreeWhenNoLockFile(t *testing.T) {
	s := newTestService(t, nil)
	status := s.GetStatus()
	require.Equal(t, "FREE", status.State)
}

func TestGetStatus_LockedReportsStaleness(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := base
	s := newTestService(t, func() time.Time { return clock })
	require.True(t, s.Acquire("worker-a"))

	status := s.GetStatus()
	require.Equal(t, "LOCKED", status.State)
	require.NotNil(t, status.Stale)
	require.False(t, *status.Stale)

	clock = base.Add(400 * time.Second)
	status = s.GetStatus()
	require.NotNil(t, status.Stale)
	require.True(t, *status.Stale)
}

func TestWith_RunsFnOnlyWhenAcquired(t *testing.T) {
	s := newTestService(t, nil)
	ran := false
	acquired, err := s.With("worker-a", func() error {
		ran = true
		return nil
	})
	require.True(t, acquired)
	require.NoError(t, err)
	require.True(t, ran)

	// Lock released after With returns.
	require.True(t, s.Acquire("worker-b"))
}

func TestWith_SkipsFnWhenBlocked(t *testing.T) {
	s := newTestService(t, nil)
	require.True(t, s.Acquire("worker-a"))

	ran := false
	acquired, err := s.With("worker-b", func() error {
		ran = true
		return nil
	})
	require.False(t, acquired)
	require.NoError(t, err)
	require.False(t, ran)
}
