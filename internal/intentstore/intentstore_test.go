package intentstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "intents.json"))
}

func TestCreateThenGetPending(t *testing.T) {
	s := newTestStore(t)
	intent, err := s.Create("conv-A", "demo-skill", OriginAI, "user asked", "Bitte erstelle einen Skill demo-skill", nil, 6)
	require.NoError(t, err)
	require.Len(t, intent.ID, 8)
	require.Equal(t, StatePendingConfirmation, intent.State)

	pending, ok := s.GetPending("conv-A")
	require.True(t, ok)
	require.Equal(t, intent.ID, pending.ID)
}

func TestConfirmIsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	intent, err := s.Create("conv-A", "demo-skill", OriginUser, "", "Ja", nil, 0)
	require.NoError(t, err)

	confirmed, err := s.Confirm(intent.ID)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, confirmed.State)

	_, err = s.Confirm(intent.ID)
	require.Error(t, err, "a confirmed intent must not be confirmable again")
}

func TestRejectThenExecutedIsInvalid(t *testing.T) {
	s := newTestStore(t)
	intent, err := s.Create("conv-A", "demo-skill", OriginUser, "", "Nein", nil, 0)
	require.NoError(t, err)

	_, err = s.Reject(intent.ID)
	require.NoError(t, err)

	_, err = s.MarkExecuted(intent.ID)
	require.Error(t, err)
}

func TestFullLifecycleToExecuted(t *testing.T) {
	s := newTestStore(t)
	intent, err := s.Create("conv-B", "auto-skill", OriginAI, "plan suggested it", "Ja", nil, 4)
	require.NoError(t, err)

	_, err = s.Confirm(intent.ID)
	require.NoError(t, err)

	executed, err := s.MarkExecuted(intent.ID)
	require.NoError(t, err)
	require.Equal(t, StateExecuted, executed.State)

	_, ok := s.GetPending("conv-B")
	require.False(t, ok, "an executed intent is no longer pending")
}
