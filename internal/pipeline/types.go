// Package pipeline implements the Pipeline Orchestrator (spec §4.H): the
// nine-state chat pipeline from Intent-Confirmation Gate through Memory
// Save, grounded in internal/temporal/workflow.go's phase-commented
// multi-stage structure — adapted to a synchronous/streaming Go state
// machine rather than a Temporal workflow, since per-request chat latency
// is incompatible with a workflow-history replay model.
package pipeline

import (
	"encoding/json"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`
}

// Request is the normalized chat contract request (spec §6).
type Request struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversation_id"`
	Temperature    *float64  `json:"temperature,omitempty"`
	TopP           *float64  `json:"top_p,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	Stream         bool      `json:"stream"`
	SourceAdapter  string    `json:"source_adapter,omitempty"`
}

// LastUserText returns the content of the final user-role message, the
// text every pipeline stage keys decisions on.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// DoneReason values for the chat contract (spec §6).
const (
	DoneReasonStop                 = "stop"
	DoneReasonBlocked               = "blocked"
	DoneReasonError                 = "error"
	DoneReasonConfirmationPending   = "confirmation_pending"
	DoneReasonConfirmationExecuted  = "confirmation_executed"
)

// Response is the normalized chat contract non-stream response.
type Response struct {
	Model            string `json:"model"`
	Content          string `json:"content"`
	ConversationID   string `json:"conversation_id"`
	Done             bool   `json:"done"`
	DoneReason       string `json:"done_reason"`
	MemoryUsed       bool   `json:"memory_used"`
	ValidationPassed bool   `json:"validation_passed"`
}

// StreamEvent is one NDJSON line of the streaming chat contract (spec §6 /
// §4.H.5). Type is one of: tool_selection, thinking_stream, thinking_done,
// sequential_*, control, workspace_update, tool_start, tool_result,
// content, confirmation_pending, done.
type StreamEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Done    bool           `json:"done,omitempty"`
}

// WorkspaceUpdate is the payload shape for "workspace_update" events (spec
// §4.H.5).
type WorkspaceUpdate struct {
	EntryID     string `json:"entry_id"`
	Content     string `json:"content"`
	EntryType   string `json:"entry_type"`
	SourceLayer string `json:"source_layer"`
	ConvID      string `json:"conversation_id"`
	Timestamp   string `json:"timestamp"`
}

// Plan is the Thinking stage's output (spec §3 Plan / §4.H.3 step 3).
type Plan struct {
	Query                string          `json:"query"`
	TimeReference         string          `json:"time_reference,omitempty"`
	ResponseMode          string          `json:"response_mode"` // interactive | deep
	SequentialComplexity  int             `json:"sequential_complexity"`
	SuggestedTools        []string        `json:"suggested_tools,omitempty"`
	MemoryKeys            []string        `json:"memory_keys,omitempty"`
	NewFact               json.RawMessage `json:"new_fact,omitempty"`
	SkillCreationRequested bool           `json:"skill_creation_requested,omitempty"`
	SkillName             string          `json:"skill_name,omitempty"`
	Risk                  string          `json:"risk,omitempty"` // low | medium | high

	// Flags, the bool-valued underscore-prefixed keys spec.md threads
	// through the Plan (e.g. "_skill_gate_blocked").
	Flags map[string]bool `json:"-"`
}

func (p *Plan) setFlag(name string) {
	if p.Flags == nil {
		p.Flags = map[string]bool{}
	}
	p.Flags[name] = true
}

func (p Plan) flag(name string) bool {
	return p.Flags != nil && p.Flags[name]
}

// Flag name constants (spec §4.H.3/.6).
const (
	FlagSequentialDeferred   = "_sequential_deferred"
	FlagSkillGateBlocked     = "_skill_gate_blocked"
	FlagBlueprintGateBlocked = "_blueprint_gate_blocked"
)

// Verification is Control's output (spec §4.H.3 step 6).
type Verification struct {
	NeedsSkillConfirmation bool
	SkillName              string
	Risk                   string
	Reason                 string
	Corrections            map[string]any
}

// CloneForIntent returns the subset of plan serialized for Intent storage,
// with volatile fields (flags) stripped — the shape spec's "thinking_plan
// minus volatile fields" language describes (scenario 4).
func (p Plan) CloneForIntent() json.RawMessage {
	stripped := p
	stripped.Flags = nil
	raw, _ := json.Marshal(stripped)
	return raw
}
