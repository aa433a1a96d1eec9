package digestkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeSourceHash_PermutationInvariant(t *testing.T) {
	a := MakeSourceHash([]string{"evt-3", "evt-1", "evt-2"})
	b := MakeSourceHash([]string{"evt-2", "evt-3", "evt-1"})
	require.Equal(t, a, b)
	require.Len(t, a, 16)
}

func TestMakeDailyDigestKey_Deterministic(t *testing.T) {
	sourceHash := MakeSourceHash([]string{"evt-1", "evt-2"})
	key1 := MakeDailyDigestKey("conv-A", "2026-02-20", sourceHash)
	key2 := MakeDailyDigestKey("conv-A", "2026-02-20", sourceHash)
	require.Equal(t, key1, key2)
	require.Len(t, key1, 32)
}

func TestMakeDailyDigestKey_InputsMatter(t *testing.T) {
	sourceHash := MakeSourceHash([]string{"evt-1"})
	key1 := MakeDailyDigestKey("conv-A", "2026-02-20", sourceHash)
	key2 := MakeDailyDigestKey("conv-B", "2026-02-20", sourceHash)
	key3 := MakeDailyDigestKey("conv-A", "2026-02-21", sourceHash)
	require.NotEqual(t, key1, key2)
	require.NotEqual(t, key1, key3)
}

func TestMakeWeeklyDigestKey_PermutationInvariant(t *testing.T) {
	dailyKeys := []string{"aaa", "bbb", "ccc"}
	reversed := []string{"ccc", "bbb", "aaa"}
	k1 := MakeWeeklyDigestKey("conv-A", "2026-W08", dailyKeys)
	k2 := MakeWeeklyDigestKey("conv-A", "2026-W08", reversed)
	require.Equal(t, k1, k2)
}

func TestMakeArchiveDigestKey(t *testing.T) {
	key := MakeArchiveDigestKey("conv-A", "weeklykey123", "2026-03-01")
	require.Len(t, key, 32)
}

func TestISOWeekBounds(t *testing.T) {
	start, end, err := ISOWeekBounds("2026-W08")
	require.NoError(t, err)
	require.Equal(t, "2026-02-16", start)
	require.Equal(t, "2026-02-22", end)
}

func TestMakeWeeklyDigestKeyV2_IncludesWindowBounds(t *testing.T) {
	k1, err := MakeWeeklyDigestKeyV2("conv-A", "2026-W08", []string{"a", "b"})
	require.NoError(t, err)
	k2, err := MakeWeeklyDigestKeyV2("conv-A", "2026-W09", []string{"a", "b"})
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestMakeDailyKey_VersionDispatch(t *testing.T) {
	sourceHash := MakeSourceHash([]string{"evt-1"})
	v1 := MakeDailyKey(V1, "conv-A", "2026-02-20", sourceHash)
	v2 := MakeDailyKey(V2, "conv-A", "2026-02-20", sourceHash)
	require.NotEqual(t, v1, v2, "v1 and v2 schemas must not collide")
	require.Equal(t, MakeDailyDigestKey("conv-A", "2026-02-20", sourceHash), v1)
	require.Equal(t, MakeDailyDigestKeyV2("conv-A", "2026-02-20", sourceHash), v2)
}
