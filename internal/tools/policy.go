package tools

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/providers"
)

// Tool groups bundle related tool names under a "group:" spec entry.
var toolGroups = map[string][]string{
	"vfs":      {"file_read", "file_write", "file_search", "file_list"},
	"question_bank": {"qbank_import", "qbank_read", "qbank_edit"},
	"document": {"pptx_create", "pptx_edit", "xlsx_create", "xlsx_edit", "docx_create", "docx_edit"},
	"web":      {"web_search", "web_fetch"},
	"canvas":   {"canvas_note_read", "canvas_note_write"},
}

// RegisterToolGroup adds or replaces a dynamic tool group. Used by the MCP
// manager to register "mcp" and "mcp:{serverName}" groups as servers
// connect and disconnect.
func RegisterToolGroup(name string, members []string) {
	toolGroups[name] = members
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	delete(toolGroups, name)
}

// Tool profiles define preset allow sets.
var toolProfiles = map[string][]string{
	"minimal": {},
	"reader":  {"group:vfs", "group:web"},
	"full":    {}, // empty spec = no restriction, handled specially below
}

// Tool aliases map alternative/legacy names to the canonical registered name.
var toolAliases = map[string]string{
	"file_grep": "file_search",
}

// PolicyEngine evaluates tool access for a single request: global profile,
// provider overrides, agent overrides, group allow, explicit deny, and
// finally the skill whitelist (fail-closed when skills are active).
type PolicyEngine struct {
	globalPolicy *config.ToolsConfig
}

func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{globalPolicy: cfg}
}

// mcpWhitelistExempt reports whether toolName bypasses the skill whitelist
// outright: every external MCP-sourced tool except mcp_load_skills itself,
// which still has to be whitelisted like any native tool.
func mcpWhitelistExempt(toolName string) bool {
	return strings.HasPrefix(toolName, "mcp_") && toolName != "mcp_load_skills"
}

// EffectiveSensitivity applies the global approval bypass and any per-tool
// sensitivity override on top of a tool's declared sensitivity. Global
// bypass wins, then a per-tool override, then the tool's own declaration.
func (pe *PolicyEngine) EffectiveSensitivity(toolName string, declared Sensitivity) Sensitivity {
	g := pe.globalPolicy
	if g == nil {
		return declared
	}
	if g.ApprovalBypass {
		return SensitivityLow
	}
	if override, ok := g.ApprovalOverrides[toolName]; ok {
		switch override {
		case "low":
			return SensitivityLow
		case "medium":
			return SensitivityMedium
		case "high":
			return SensitivityHigh
		}
	}
	return declared
}

// FilterTools returns the provider-facing tool definitions allowed for this
// call. skillAllowed/hasActiveSkills implement spec's "skill whitelist":
// when hasActiveSkills is true, only names in skillAllowed survive (an
// empty skillAllowed with active skills yields zero tools — fail closed).
func (pe *PolicyEngine) FilterTools(
	registry *Registry,
	providerName string,
	agentToolPolicy *config.ToolPolicySpec,
	groupToolAllow []string,
	skillAllowed []string,
	hasActiveSkills bool,
) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.evaluate(allTools, providerName, agentToolPolicy, groupToolAllow)

	if hasActiveSkills {
		var exempt []string
		whitelisted := make([]string, 0, len(allowed))
		for _, name := range allowed {
			if mcpWhitelistExempt(name) {
				exempt = append(exempt, name)
				continue
			}
			whitelisted = append(whitelisted, name)
		}
		allowed = append(intersectWithSpec(whitelisted, skillAllowed), exempt...)
	}

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		canonical := resolveAlias(name)
		if tool, ok := registry.Get(canonical); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("chatpipe.tool_policy",
		"provider", providerName,
		"total_tools", len(allTools),
		"allowed", len(defs),
		"has_active_skills", hasActiveSkills,
	)

	return defs
}

func (pe *PolicyEngine) evaluate(
	allTools []string,
	providerName string,
	agentToolPolicy *config.ToolPolicySpec,
	groupToolAllow []string,
) []string {
	g := pe.globalPolicy

	allowed := pe.applyProfile(allTools, g.Profile)

	if g.ByProvider != nil {
		if pp, ok := g.ByProvider[providerName]; ok && pp.Profile != "" {
			allowed = pe.applyProfile(allTools, pp.Profile)
		}
	}

	if len(g.Allow) > 0 {
		allowed = intersectWithSpec(allowed, g.Allow)
	}

	if g.ByProvider != nil {
		if pp, ok := g.ByProvider[providerName]; ok && len(pp.Allow) > 0 {
			allowed = intersectWithSpec(allowed, pp.Allow)
		}
	}

	if agentToolPolicy != nil && len(agentToolPolicy.Allow) > 0 {
		allowed = intersectWithSpec(allowed, agentToolPolicy.Allow)
	}

	if agentToolPolicy != nil && agentToolPolicy.ByProvider != nil {
		if pp, ok := agentToolPolicy.ByProvider[providerName]; ok && len(pp.Allow) > 0 {
			allowed = intersectWithSpec(allowed, pp.Allow)
		}
	}

	if len(groupToolAllow) > 0 {
		allowed = intersectWithSpec(allowed, groupToolAllow)
	}

	if len(g.Deny) > 0 {
		allowed = subtractSpec(allowed, g.Deny)
	}
	if agentToolPolicy != nil && len(agentToolPolicy.Deny) > 0 {
		allowed = subtractSpec(allowed, agentToolPolicy.Deny)
	}

	if len(g.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, g.AlsoAllow)
	}
	if agentToolPolicy != nil && len(agentToolPolicy.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, agentToolPolicy.AlsoAllow)
	}

	return allowed
}

func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}

	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("chatpipe.unknown_tool_profile", "profile", profile)
		return copySlice(allTools)
	}
	if len(spec) == 0 {
		return nil
	}

	return expandSpec(allTools, spec)
}

func expandSpec(available []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			if members, ok := toolGroups[groupName]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}

	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func intersectWithSpec(current []string, spec []string) []string {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			if members, ok := toolGroups[groupName]; ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[resolveAlias(s)] = true
		}
	}

	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

func subtractSpec(current []string, spec []string) []string {
	denied := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			groupName := strings.TrimPrefix(s, "group:")
			if members, ok := toolGroups[groupName]; ok {
				for _, m := range members {
					denied[m] = true
				}
			}
		} else {
			denied[s] = true
		}
	}

	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

func unionWithSpec(current []string, allTools []string, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}

	toAdd := expandSpec(allTools, spec)
	for _, t := range toAdd {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
