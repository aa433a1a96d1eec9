// Package router implements the Blueprint and Skill semantic routers (spec
// §4.I): candidate scoring against two thresholds plus an orthogonal trust
// filter, grounded in internal/scheduler/cadence.go's style of small,
// config-driven decision types with an explicit "At" variant for
// deterministic testing.
package router

import (
	"encoding/json"
	"sort"
)

// Decision is the routing outcome for a single routing attempt.
type Decision string

const (
	DecisionNoBlueprint      Decision = "no_blueprint"
	DecisionSuggestBlueprint Decision = "suggest_blueprint"
	DecisionUseBlueprint     Decision = "use_blueprint"

	DecisionNoSkill      Decision = "no_skill"
	DecisionSuggestSkill Decision = "suggest_skill"
	DecisionUseSkill     Decision = "use_skill"
)

const (
	// LowThreshold is the floor below which a candidate is ignored
	// entirely regardless of trust.
	LowThreshold = 0.68
	// HighThreshold is the floor at or above which a candidate is
	// auto-routed without user confirmation.
	HighThreshold = 0.85
)

// TrustLevel mirrors the metadata field a candidate's backing record
// carries; only "verified" candidates pass the trust filter.
type TrustLevel string

const (
	TrustVerified   TrustLevel = "verified"
	TrustUnverified TrustLevel = "unverified"
)

// Candidate is one scored routing candidate returned by a similarity
// search, before the trust filter is applied.
type Candidate struct {
	ID         string
	Similarity float64
	// RawMetadata is the candidate's metadata exactly as received; it may
	// be malformed JSON, in which case the candidate is untrusted.
	RawMetadata json.RawMessage
}

type candidateMetadata struct {
	TrustLevel TrustLevel `json:"trust_level"`
}

// isTrusted reports whether a candidate passes the trust filter: its
// metadata must parse as JSON and declare trust_level=verified. Malformed
// JSON and any other trust_level are both treated as untrusted (spec §4.I:
// "broken metadata is treated as untrusted").
func isTrusted(c Candidate) bool {
	if len(c.RawMetadata) == 0 {
		return false
	}
	var meta candidateMetadata
	if err := json.Unmarshal(c.RawMetadata, &meta); err != nil {
		return false
	}
	return meta.TrustLevel == TrustVerified
}

// Result is the outcome of routing a set of candidates.
type Result struct {
	Decision   Decision
	Candidates []Candidate // top candidates surfaced for suggest_* decisions; single-element for use_*
}

// ActiveSetFunc reports whether id belongs to the caller's currently active
// blueprint/skill set. A candidate not in the active set is dropped by the
// trust filter regardless of its trust_level.
type ActiveSetFunc func(id string) bool

// Router scores candidates against the two-threshold policy plus the trust
// filter described in spec §4.I. The same structure serves both the
// Blueprint Router and the Skill Router; callers configure the decisions
// that correspond to their domain via noDecision/suggestDecision/useDecision.
type Router struct {
	noDecision      Decision
	suggestDecision Decision
	useDecision     Decision
	inActiveSet     ActiveSetFunc
}

// NewBlueprintRouter returns a Router configured with blueprint decisions.
func NewBlueprintRouter(inActiveSet ActiveSetFunc) *Router {
	return &Router{
		noDecision:      DecisionNoBlueprint,
		suggestDecision: DecisionSuggestBlueprint,
		useDecision:     DecisionUseBlueprint,
		inActiveSet:     inActiveSet,
	}
}

// NewSkillRouter returns a Router configured with skill decisions, mirroring
// the blueprint router's structure per spec §4.I ("Skill Router mirrors
// this structure").
func NewSkillRouter(inActiveSet ActiveSetFunc) *Router {
	return &Router{
		noDecision:      DecisionNoSkill,
		suggestDecision: DecisionSuggestSkill,
		useDecision:     DecisionUseSkill,
		inActiveSet:     inActiveSet,
	}
}

// Route scores candidates and returns a routing Result. Candidates are
// first filtered by trust (and active-set membership); the remaining
// candidates are ranked by similarity descending and scored against the
// threshold bands.
func (r *Router) Route(candidates []Candidate) Result {
	trusted := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !isTrusted(c) {
			continue
		}
		if r.inActiveSet != nil && !r.inActiveSet(c.ID) {
			continue
		}
		trusted = append(trusted, c)
	}
	if len(trusted) == 0 {
		return Result{Decision: r.noDecision}
	}

	sort.SliceStable(trusted, func(i, j int) bool {
		return trusted[i].Similarity > trusted[j].Similarity
	})

	best := trusted[0]
	switch {
	case best.Similarity >= HighThreshold:
		return Result{Decision: r.useDecision, Candidates: trusted[:1]}
	case best.Similarity >= LowThreshold:
		top := trusted
		if len(top) > 2 {
			top = top[:2]
		}
		return Result{Decision: r.suggestDecision, Candidates: top}
	default:
		return Result{Decision: r.noDecision}
	}
}
