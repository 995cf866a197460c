// Package config holds the runtime-tunable parameters of the chat pipeline:
// recursion/heartbeat limits, vision/sampling defaults, and the per-session
// tool/skill overrides threaded through the orchestrator and tool registry.
package config

import (
	"encoding/json"
	"strconv"
	"sync"
)

// Named limits, matching the fixed budgets the pipeline enforces regardless
// of per-session overrides.
const (
	LLMStreamTimeoutSecs     = 120
	DefaultMaxHistoryMessages = 200
	InlineSizeThreshold      = 1024 * 1024      // 1 MiB, strict <
	MaxImageBytes            = 10 * 1024 * 1024 // 10 MiB
	MaxFileBytes              = 50 * 1024 * 1024 // 50 MiB
	MaxHeartbeatCount         = 50
	DefaultMaxRecursion       = 30
	AbsoluteMaxRecursion      = 150
)

// FlexibleStringSlice unmarshals a JSON value that may arrive as an array
// of strings, an array of numbers, or a single scalar, normalizing to
// []string. Frontends sometimes send tool/skill id lists as bare numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not an array — try a single scalar.
		var single json.RawMessage
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		raw = []json.RawMessage{single}
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err == nil {
			out = append(out, n.String())
			continue
		}
		out = append(out, strconv.Quote(string(r)))
	}
	*f = out
	return nil
}

// ToolsConfig is the policy-engine-facing slice of configuration: profile
// selection and allow/deny/also-allow lists, optionally overridden per
// provider.
type ToolsConfig struct {
	Profile    string                        `json:"profile,omitempty"`
	Allow      FlexibleStringSlice           `json:"allow,omitempty"`
	Deny       FlexibleStringSlice           `json:"deny,omitempty"`
	AlsoAllow  FlexibleStringSlice           `json:"also_allow,omitempty"`
	ByProvider map[string]*ToolPolicySpec    `json:"by_provider,omitempty"`

	// ApprovalBypass downgrades every tool's sensitivity to low, skipping the
	// approval handshake entirely regardless of its declared sensitivity.
	ApprovalBypass bool `json:"approval_bypass,omitempty"`
	// ApprovalOverrides maps a tool name to a sensitivity level
	// ("low"|"medium"|"high") that wins over the tool's own declaration,
	// checked after ApprovalBypass.
	ApprovalOverrides map[string]string `json:"approval_overrides,omitempty"`
}

// ToolPolicySpec is a single allow/deny/also-allow layer, used both at the
// per-provider and per-agent granularity.
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      FlexibleStringSlice        `json:"allow,omitempty"`
	Deny       FlexibleStringSlice        `json:"deny,omitempty"`
	AlsoAllow  FlexibleStringSlice        `json:"also_allow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"by_provider,omitempty"`
}

// MCPServerConfig describes one standalone MCP server connection.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"`
	Transport  string            `json:"transport"` // "stdio" or "sse"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionConfig is the set of per-session fields a client can supply or
// override on each request, per the pipeline's configuration surface.
type SessionConfig struct {
	MaxVariantsPerMessage int     `json:"max_variants_per_message,omitempty"`
	MaxToolRecursion      int     `json:"max_tool_recursion,omitempty"`
	VisionQuality         string  `json:"vision_quality,omitempty"` // "low" | "high" | "auto"
	DisableTools          bool    `json:"disable_tools,omitempty"`
	DisableToolWhitelist  bool    `json:"disable_tool_whitelist,omitempty"`
	EnableThinking        bool    `json:"enable_thinking,omitempty"`
	ContextLimit          int     `json:"context_limit,omitempty"`

	MCPToolSchemas    json.RawMessage     `json:"mcp_tool_schemas,omitempty"`
	SchemaToolIDs     FlexibleStringSlice `json:"schema_tool_ids,omitempty"`
	SkillAllowedTools FlexibleStringSlice `json:"skill_allowed_tools,omitempty"`
	SkillContents     map[string]string   `json:"skill_contents,omitempty"`
	ActiveSkillIDs    FlexibleStringSlice `json:"active_skill_ids,omitempty"`
	SkillEmbeddedTools map[string]string  `json:"skill_embedded_tools,omitempty"`

	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	CanvasNoteID  string   `json:"canvas_note_id,omitempty"`
}

// EffectiveMaxRecursion applies the configured cap, clamped to the absolute
// hard ceiling, falling back to the default when unset or non-positive.
func (s *SessionConfig) EffectiveMaxRecursion() int {
	v := s.MaxToolRecursion
	if v <= 0 {
		v = DefaultMaxRecursion
	}
	if v > AbsoluteMaxRecursion {
		v = AbsoluteMaxRecursion
	}
	return v
}

// ResolvedMCPToolSchemas returns the schema source that wins per the
// frontend-supplied-wins-over-legacy precedence: mcp_tool_schemas first,
// schema_tool_ids as fallback only when mcp_tool_schemas is empty.
func (s *SessionConfig) ResolvedMCPToolSchemas() (schemas json.RawMessage, legacyIDs []string) {
	if len(s.MCPToolSchemas) > 0 {
		return s.MCPToolSchemas, nil
	}
	return nil, s.SchemaToolIDs
}

// Config is the process-wide configuration, guarded by a RWMutex so the
// orchestrator and admin endpoints can read/patch it concurrently.
type Config struct {
	mu sync.RWMutex

	Tools      ToolsConfig                 `json:"tools"`
	MCPServers map[string]*MCPServerConfig `json:"mcp_servers"`
	Defaults   SessionConfig               `json:"defaults"`

	DatabasePath string `json:"database_path"`
	BlobsDir     string `json:"blobs_dir"`
	MigrationsDir string `json:"migrations_dir"`
}

func New() *Config {
	return &Config{
		MCPServers: make(map[string]*MCPServerConfig),
	}
}

// Snapshot returns a shallow copy safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// Patch applies fn under the write lock.
func (c *Config) Patch(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
