package embedqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "embed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueThenRunOnceMarksDone(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("conv-1", "archive-1", "some archived text"))

	var seen Job
	ran, err := q.RunOnce(context.Background(), func(_ context.Context, j Job) error {
		seen = j
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, "archive-1", seen.ArchiveKey)

	n, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunOnceWithNoPendingJobsIsNoop(t *testing.T) {
	q := newTestQueue(t)
	ran, err := q.RunOnce(context.Background(), func(context.Context, Job) error { return nil })
	require.NoError(t, err)
	require.False(t, ran)
}

func TestEnqueueIsIdempotentPerArchiveKey(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("conv-1", "archive-1", "text A"))
	require.NoError(t, q.Enqueue("conv-1", "archive-1", "text B (ignored)"))

	n, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFailedJobIsImmediatelyEligibleAgain(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("conv-1", "archive-1", "some text"))

	attempts := 0
	embed := func(_ context.Context, j Job) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient embedding failure")
		}
		return nil
	}

	ran, err := q.RunOnce(context.Background(), embed)
	require.NoError(t, err)
	require.True(t, ran)

	n, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, n, "a failed job must be immediately re-eligible, not backed off")

	ran, err = q.RunOnce(context.Background(), embed)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 2, attempts)

	n, err = q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunInlineBypassesQueue(t *testing.T) {
	called := false
	err := RunInline(context.Background(), Job{ArchiveKey: "archive-x"}, func(_ context.Context, j Job) error {
		called = true
		require.Equal(t, "archive-x", j.ArchiveKey)
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
