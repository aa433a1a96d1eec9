package toolhub

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/agentcore/internal/errkind"
)

// Known tool names (spec §6). Unknown names are dropped by FilterKnown,
// with a logged warning, rather than surfaced as an error: the orchestrator treats a
// hallucinated tool name the same way it treats one the hub simply never
// registered.
const (
	ToolMemorySave            = "memory_save"
	ToolMemoryFactSave        = "memory_fact_save"
	ToolMemoryFactLoad        = "memory_fact_load"
	ToolMemorySearchLayered   = "memory_search_layered"
	ToolMemorySemanticSearch  = "memory_semantic_search"
	ToolMemoryGraphSearch     = "memory_graph_search"
	ToolGraphAddNode          = "graph_add_node"
	ToolWorkspaceSave         = "workspace_save"
	ToolWorkspaceEventSave    = "workspace_event_save"
	ToolBlueprintSemSearch    = "blueprint_semantic_search"
	ToolRequestContainer      = "request_container"
	ToolExecInContainer       = "exec_in_container"
	ToolStopContainer         = "stop_container"
	ToolContainerStats        = "container_stats"
	ToolContainerLogs         = "container_logs"
	ToolSnapshotList          = "snapshot_list"
	ToolBlueprintList         = "blueprint_list"
	ToolListSkills            = "list_skills"
	ToolRunSkill              = "run_skill"
	ToolCreateSkill           = "create_skill"
	ToolAutonomousSkillTask   = "autonomous_skill_task"
	ToolGetSkillInfo          = "get_skill_info"
	ToolHomeRead              = "home_read"
	ToolHomeWrite             = "home_write"
	ToolHomeList              = "home_list"
)

// SensitiveTools are always routed through Control regardless of risk
// (spec §4.H.6): skill-creation tools that can mutate the running agent's
// capabilities.
var SensitiveTools = map[string]bool{
	ToolCreateSkill:         true,
	ToolAutonomousSkillTask: true,
}

// Registration binds a tool name to the Server that executes it, plus the
// subset of its JSON schema the orchestrator needs: which argument keys are
// required (spec §6 "queries inputSchema.required for argument validation").
type Registration struct {
	Server   Server
	Required []string
}

// Hub is the orchestrator's tool_name -> server map (spec §4.H.3 step 7 /
// §9 "module-level singletons -> dependency-injected root": one Hub per
// process, constructed once and passed down rather than reached for
// globally).
type Hub struct {
	tools   map[string]Registration
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures a Hub.
type Option func(*Hub)

// WithRateLimit bounds the rate of outbound tool calls (spec §5 "each MCP
// tool call has an upper-bound timeout"): at most ratePerSec calls per
// second, with bursts of up to burst, are allowed across the whole hub, so a runaway Tool-Selection Pre-Fetch
// cannot flood the MCP hub or the tool-executor behind it. ratePerSec <= 0
// disables limiting.
func WithRateLimit(ratePerSec float64, burst int) Option {
	return func(h *Hub) {
		if ratePerSec > 0 {
			if burst < 1 {
				burst = 1
			}
			h.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		}
	}
}

// New returns an empty Hub.
func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{tools: map[string]Registration{}, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register binds name to srv with the given required-argument list.
func (h *Hub) Register(name string, srv Server, required ...string) {
	h.tools[name] = Registration{Server: srv, Required: required}
}

// Known reports whether name is registered.
func (h *Hub) Known(name string) bool {
	_, ok := h.tools[name]
	return ok
}

// FilterKnown drops any tool name not registered in the hub, preserving
// order — the hallucinated-tool-name discard step of spec §4.H.3 step 7.
func (h *Hub) FilterKnown(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if h.Known(n) {
			out = append(out, n)
		} else {
			h.logger.Warn("toolhub: dropping unregistered tool suggestion", "tool", n)
		}
	}
	return out
}

// Required returns the required-argument names for a registered tool, or
// nil if the tool is unknown or has no required arguments.
func (h *Hub) Required(name string) []string {
	return h.tools[name].Required
}

// MissingRequired reports which of the tool's required arguments are absent
// from args.
func (h *Hub) MissingRequired(name string, args map[string]any) []string {
	var missing []string
	for _, key := range h.Required(name) {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Call dispatches name to its registered Server. Returns a Validation-kind
// error (without calling the server) if name is unknown or is missing a
// required argument the caller did not auto-fill.
func (h *Hub) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	reg, ok := h.tools[name]
	if !ok {
		return nil, errkind.ValidationErr("unknown tool "+name, nil)
	}
	if missing := h.MissingRequired(name, args); len(missing) > 0 {
		return nil, errkind.ValidationErr("missing required arguments for "+name, nil)
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, errkind.TransientErr("rate limit wait for "+name, err)
		}
	}
	result, err := reg.Server.Call(ctx, name, args)
	if err != nil {
		return nil, errkind.TransientErr("tool call failed: "+name, err)
	}
	return result, nil
}
