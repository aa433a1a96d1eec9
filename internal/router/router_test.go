package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func verifiedMeta(id string) json.RawMessage {
	return json.RawMessage(`{"trust_level":"verified","blueprint_id":"` + id + `"}`)
}

func allActive(string) bool { return true }

func TestRouteBelowLowThresholdIsNoBlueprint(t *testing.T) {
	r := NewBlueprintRouter(allActive)
	res := r.Route([]Candidate{{ID: "bp-1", Similarity: 0.5, RawMetadata: verifiedMeta("bp-1")}})
	require.Equal(t, DecisionNoBlueprint, res.Decision)
}

func TestRouteInSuggestBandReturnsTopTwo(t *testing.T) {
	r := NewBlueprintRouter(allActive)
	res := r.Route([]Candidate{
		{ID: "bp-1", Similarity: 0.70, RawMetadata: verifiedMeta("bp-1")},
		{ID: "bp-2", Similarity: 0.75, RawMetadata: verifiedMeta("bp-2")},
		{ID: "bp-3", Similarity: 0.72, RawMetadata: verifiedMeta("bp-3")},
	})
	require.Equal(t, DecisionSuggestBlueprint, res.Decision)
	require.Len(t, res.Candidates, 2)
	require.Equal(t, "bp-2", res.Candidates[0].ID)
	require.Equal(t, "bp-3", res.Candidates[1].ID)
}

func TestRouteAtOrAboveHighThresholdAutoRoutes(t *testing.T) {
	r := NewBlueprintRouter(allActive)
	res := r.Route([]Candidate{{ID: "bp-1", Similarity: 0.9, RawMetadata: verifiedMeta("bp-1")}})
	require.Equal(t, DecisionUseBlueprint, res.Decision)
	require.Len(t, res.Candidates, 1)
}

func TestRouteDropsUnverifiedCandidateEvenAtHighSimilarity(t *testing.T) {
	r := NewBlueprintRouter(allActive)
	res := r.Route([]Candidate{
		{ID: "bp-evil", Similarity: 0.99, RawMetadata: json.RawMessage(`{"trust_level":"unverified","blueprint_id":"bp-evil"}`)},
	})
	require.Equal(t, DecisionNoBlueprint, res.Decision)
}

func TestRouteDropsMalformedMetadataAsUntrusted(t *testing.T) {
	r := NewBlueprintRouter(allActive)
	res := r.Route([]Candidate{
		{ID: "bp-broken", Similarity: 0.99, RawMetadata: json.RawMessage(`not json`)},
	})
	require.Equal(t, DecisionNoBlueprint, res.Decision)
}

func TestRouteDropsCandidateNotInActiveSet(t *testing.T) {
	r := NewBlueprintRouter(func(id string) bool { return id != "bp-retired" })
	res := r.Route([]Candidate{{ID: "bp-retired", Similarity: 0.95, RawMetadata: verifiedMeta("bp-retired")}})
	require.Equal(t, DecisionNoBlueprint, res.Decision)
}

func TestSkillRouterMirrorsBlueprintThresholds(t *testing.T) {
	r := NewSkillRouter(allActive)
	res := r.Route([]Candidate{{ID: "sk-1", Similarity: 0.95, RawMetadata: verifiedMeta("sk-1")}})
	require.Equal(t, DecisionUseSkill, res.Decision)
}
