// Package config loads and validates the agentcore TOML configuration, then
// overlays the DIGEST_*/TYPEDSTATE_*/SMALL_MODEL_*/... environment variables
// recognized by spec §6 on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full agentcore configuration surface.
type Config struct {
	General    General    `toml:"general"`
	Digest     Digest     `toml:"digest"`
	TypedState TypedState `toml:"typedstate"`
	JITWindow  JITWindow  `toml:"jit_window"`
	SmallModel SmallModel `toml:"small_model"`
	Control    Control    `toml:"control"`
	Skill      Skill      `toml:"skill"`
	Chunking   Chunking   `toml:"chunking"`
	Pipeline   Pipeline   `toml:"pipeline"`
	MCP        MCP        `toml:"mcp"`
	ToolExec   ToolExec   `toml:"tool_exec"`
	Docker     Docker     `toml:"docker"`
	API        API        `toml:"api"`
}

type General struct {
	LogLevel string `toml:"log_level"`
}

// Digest mirrors the DIGEST_* environment variables and the digest pipeline's
// TOML surface (spec §6, §4.F, §4.G).
type Digest struct {
	Enable         bool     `toml:"enable"`
	DailyEnable    bool     `toml:"daily_enable"`
	WeeklyEnable   bool     `toml:"weekly_enable"`
	ArchiveEnable  bool     `toml:"archive_enable"`
	RunMode        string   `toml:"run_mode"` // off|sidecar|inline
	TZ             string   `toml:"tz"`
	CatchupMaxDays int      `toml:"catchup_max_days"`
	MinEventsDaily int      `toml:"min_events_daily"`
	MinDailyPerWeek int     `toml:"min_daily_per_week"`
	LockPath       string   `toml:"lock_path"`
	LockTimeoutS   int      `toml:"lock_timeout_s"`
	StatePath      string   `toml:"state_path"`
	KeyVersion     string   `toml:"key_version"` // v1|v2
	FiltersEnable  bool     `toml:"filters_enable"`
	RuntimeAPIV2   bool     `toml:"runtime_api_v2"`
}

// TypedState mirrors the TYPEDSTATE_CSV_* environment variables (spec §4.E).
type TypedState struct {
	CSVEnable  bool   `toml:"csv_enable"`
	CSVJITOnly bool   `toml:"csv_jit_only"`
	Mode       string `toml:"mode"`
	CSVPath    string `toml:"csv_path"`
}

// JITWindow mirrors JIT_WINDOW_{TIME_REFERENCE|FACT_RECALL|REMEMBER}_H.
type JITWindow struct {
	TimeReferenceH float64 `toml:"time_reference_h"`
	FactRecallH    float64 `toml:"fact_recall_h"`
	RememberH      float64 `toml:"remember_h"`
}

// SmallModel mirrors the SMALL_MODEL_* context-budgeting variables (spec §4.H.4).
type SmallModel struct {
	Mode       string `toml:"mode"`
	CharCap    int    `toml:"char_cap"`
	FinalCap   int    `toml:"final_cap"`
	ToolCtxCap int    `toml:"tool_ctx_cap"`
}

// Control mirrors ENABLE_CONTROL_LAYER / SKIP_CONTROL_ON_LOW_RISK.
type Control struct {
	Enable           bool `toml:"enable"`
	SkipOnLowRisk    bool `toml:"skip_on_low_risk"`
	SequentialThresh int  `toml:"sequential_complexity_threshold"` // default 7, spec §4.H.3 step 4
}

// Skill mirrors SKILL_GRAPH_RECONCILE / SKILL_KEY_MODE.
type Skill struct {
	GraphReconcile bool   `toml:"graph_reconcile"`
	KeyMode        string `toml:"key_mode"` // name|legacy
}

// Chunking mirrors ENABLE_CHUNKING / CHUNKING_THRESHOLD.
type Chunking struct {
	Enable    bool `toml:"enable"`
	Threshold int  `toml:"threshold"`
}

// Pipeline holds orchestrator-only knobs that have no direct env-var
// equivalent in spec §6 but are needed to drive §4.H (timeouts, caches).
type Pipeline struct {
	ToolCallTimeout  Duration `toml:"tool_call_timeout"`
	ModelCallTimeout Duration `toml:"model_call_timeout"`
	PlanCachePath    string   `toml:"plan_cache_path"`
	PlanCacheTTL     Duration `toml:"plan_cache_ttl"`
	IntentStorePath  string   `toml:"intent_store_path"`
	EmbedQueuePath   string   `toml:"embed_queue_path"`
}

// MCP configures the JSON-RPC tool hub client (spec §6 "MCP tool hub").
type MCP struct {
	HubURL         string   `toml:"hub_url"`
	Timeout        Duration `toml:"timeout"`
	RateLimitPerS  float64  `toml:"rate_limit_per_s"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
}

// ToolExec configures the tool-executor HTTP client (spec §6).
type ToolExec struct {
	BaseURL string `toml:"base_url"`
	Mode    string `toml:"mode"` // auto|modern|compat
}

// Docker configures the container dispatcher backing request_container /
// exec_in_container / stop_container (spec §6, §4.H.3 step 7).
type Docker struct {
	Image      string `toml:"image"`
	WorkspaceDir string `toml:"workspace_dir"`
}

type API struct {
	Bind string `toml:"bind"`
}

func applyDefaults(cfg *Config) {
	if cfg.Digest.RunMode == "" {
		cfg.Digest.RunMode = "off"
	}
	if cfg.Digest.TZ == "" {
		cfg.Digest.TZ = "Europe/Berlin"
	}
	if cfg.Digest.CatchupMaxDays == 0 {
		cfg.Digest.CatchupMaxDays = 7
	}
	if cfg.Digest.LockTimeoutS == 0 {
		cfg.Digest.LockTimeoutS = 300
	}
	if cfg.Digest.KeyVersion == "" {
		cfg.Digest.KeyVersion = "v1"
	}
	if cfg.JITWindow.TimeReferenceH == 0 {
		cfg.JITWindow.TimeReferenceH = 48
	}
	if cfg.JITWindow.FactRecallH == 0 {
		cfg.JITWindow.FactRecallH = 168
	}
	if cfg.JITWindow.RememberH == 0 {
		cfg.JITWindow.RememberH = 336
	}
	if cfg.SmallModel.CharCap == 0 {
		cfg.SmallModel.CharCap = 4000
	}
	if cfg.SmallModel.ToolCtxCap == 0 {
		cfg.SmallModel.ToolCtxCap = 1200
	}
	if cfg.Control.SequentialThresh == 0 {
		cfg.Control.SequentialThresh = 7
	}
	if cfg.ToolExec.Mode == "" {
		cfg.ToolExec.Mode = "auto"
	}
	if cfg.MCP.RateLimitBurst == 0 {
		cfg.MCP.RateLimitBurst = 5
	}
	if cfg.Skill.KeyMode == "" {
		cfg.Skill.KeyMode = "name"
	}
	if cfg.Pipeline.ToolCallTimeout.Duration == 0 {
		cfg.Pipeline.ToolCallTimeout = Duration{20 * time.Second}
	}
	if cfg.Pipeline.ModelCallTimeout.Duration == 0 {
		cfg.Pipeline.ModelCallTimeout = Duration{60 * time.Second}
	}
	if cfg.Pipeline.PlanCacheTTL.Duration == 0 {
		cfg.Pipeline.PlanCacheTTL = Duration{120 * time.Second}
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
}

// Load reads and validates an agentcore TOML configuration file, applying
// defaults for every unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns an all-defaults configuration, for callers (tests, and the
// daemons when their config file cannot be loaded) that have no TOML file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Clone returns a deep-enough copy of cfg for ConfigManager snapshot
// semantics; every field here is a value type or a slice-free struct, so a
// shallow copy is a full copy.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

func getenvBool(key string, cur bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return cur
	}
	return b
}

func getenvString(key, cur string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return cur
}

func getenvInt(key string, cur int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return cur
	}
	return n
}

func getenvFloat(key string, cur float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return cur
	}
	return f
}

// ApplyEnv overlays the recognized environment variables (spec §6) onto a
// TOML-loaded config, in place. Unset or unparsable variables leave the
// existing value untouched.
func ApplyEnv(cfg *Config) {
	cfg.Digest.Enable = getenvBool("DIGEST_ENABLE", cfg.Digest.Enable)
	cfg.Digest.DailyEnable = getenvBool("DIGEST_DAILY_ENABLE", cfg.Digest.DailyEnable)
	cfg.Digest.WeeklyEnable = getenvBool("DIGEST_WEEKLY_ENABLE", cfg.Digest.WeeklyEnable)
	cfg.Digest.ArchiveEnable = getenvBool("DIGEST_ARCHIVE_ENABLE", cfg.Digest.ArchiveEnable)
	cfg.Digest.RunMode = getenvString("DIGEST_RUN_MODE", cfg.Digest.RunMode)
	cfg.Digest.TZ = getenvString("DIGEST_TZ", cfg.Digest.TZ)
	cfg.Digest.CatchupMaxDays = getenvInt("DIGEST_CATCHUP_MAX_DAYS", cfg.Digest.CatchupMaxDays)
	cfg.Digest.MinEventsDaily = getenvInt("DIGEST_MIN_EVENTS_DAILY", cfg.Digest.MinEventsDaily)
	cfg.Digest.MinDailyPerWeek = getenvInt("DIGEST_MIN_DAILY_PER_WEEK", cfg.Digest.MinDailyPerWeek)
	cfg.Digest.LockPath = getenvString("DIGEST_LOCK_PATH", cfg.Digest.LockPath)
	cfg.Digest.LockTimeoutS = getenvInt("DIGEST_LOCK_TIMEOUT_S", cfg.Digest.LockTimeoutS)
	cfg.Digest.StatePath = getenvString("DIGEST_STATE_PATH", cfg.Digest.StatePath)
	cfg.Digest.KeyVersion = getenvString("DIGEST_KEY_VERSION", cfg.Digest.KeyVersion)
	cfg.Digest.FiltersEnable = getenvBool("DIGEST_FILTERS_ENABLE", cfg.Digest.FiltersEnable)
	cfg.Digest.RuntimeAPIV2 = getenvBool("DIGEST_RUNTIME_API_V2", cfg.Digest.RuntimeAPIV2)

	cfg.TypedState.CSVEnable = getenvBool("TYPEDSTATE_CSV_ENABLE", cfg.TypedState.CSVEnable)
	cfg.TypedState.CSVJITOnly = getenvBool("TYPEDSTATE_CSV_JIT_ONLY", cfg.TypedState.CSVJITOnly)
	cfg.TypedState.Mode = getenvString("TYPEDSTATE_MODE", cfg.TypedState.Mode)

	cfg.JITWindow.TimeReferenceH = getenvFloat("JIT_WINDOW_TIME_REFERENCE_H", cfg.JITWindow.TimeReferenceH)
	cfg.JITWindow.FactRecallH = getenvFloat("JIT_WINDOW_FACT_RECALL_H", cfg.JITWindow.FactRecallH)
	cfg.JITWindow.RememberH = getenvFloat("JIT_WINDOW_REMEMBER_H", cfg.JITWindow.RememberH)

	cfg.SmallModel.Mode = getenvString("SMALL_MODEL_MODE", cfg.SmallModel.Mode)
	cfg.SmallModel.CharCap = getenvInt("SMALL_MODEL_CHAR_CAP", cfg.SmallModel.CharCap)
	cfg.SmallModel.FinalCap = getenvInt("SMALL_MODEL_FINAL_CAP", cfg.SmallModel.FinalCap)
	cfg.SmallModel.ToolCtxCap = getenvInt("SMALL_MODEL_TOOL_CTX_CAP", cfg.SmallModel.ToolCtxCap)

	cfg.Control.Enable = getenvBool("ENABLE_CONTROL_LAYER", cfg.Control.Enable)
	cfg.Control.SkipOnLowRisk = getenvBool("SKIP_CONTROL_ON_LOW_RISK", cfg.Control.SkipOnLowRisk)

	cfg.Skill.GraphReconcile = getenvBool("SKILL_GRAPH_RECONCILE", cfg.Skill.GraphReconcile)
	cfg.Skill.KeyMode = getenvString("SKILL_KEY_MODE", cfg.Skill.KeyMode)

	cfg.Chunking.Enable = getenvBool("ENABLE_CHUNKING", cfg.Chunking.Enable)
	cfg.Chunking.Threshold = getenvInt("CHUNKING_THRESHOLD", cfg.Chunking.Threshold)
}
