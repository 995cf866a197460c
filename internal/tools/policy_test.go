package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatpipe/internal/config"
)

type fakeTool struct {
	name string
}

func (f fakeTool) Name() string                       { return f.name }
func (f fakeTool) Description() string                { return "fake" }
func (f fakeTool) Schema() map[string]interface{}     { return map[string]interface{}{} }
func (f fakeTool) Sensitivity() Sensitivity           { return SensitivityLow }
func (f fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return NewResult("ok"), nil
}

func newTestRegistry(names ...string) *Registry {
	r := NewRegistry()
	for _, n := range names {
		r.Register(fakeTool{name: n})
	}
	return r
}

func TestFilterToolsNoRestrictionReturnsEverything(t *testing.T) {
	r := newTestRegistry("file_read", "web_search")
	pe := NewPolicyEngine(&config.ToolsConfig{})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, false)
	assert.Len(t, defs, 2)
}

func TestFilterToolsProfileRestrictsToGroup(t *testing.T) {
	r := newTestRegistry("file_read", "web_search", "qbank_import")
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "reader"})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, false)

	var got []string
	for _, d := range defs {
		got = append(got, d.Function.Name)
	}
	assert.ElementsMatch(t, []string{"file_read", "web_search"}, got)
}

func TestFilterToolsMinimalProfileYieldsNothing(t *testing.T) {
	r := newTestRegistry("file_read", "web_search")
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "minimal"})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, false)
	assert.Empty(t, defs)
}

func TestFilterToolsDenyWins(t *testing.T) {
	r := newTestRegistry("file_read", "file_write")
	pe := NewPolicyEngine(&config.ToolsConfig{Deny: []string{"file_write"}})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, false)
	require.Len(t, defs, 1)
	assert.Equal(t, "file_read", defs[0].Function.Name)
}

func TestFilterToolsActiveSkillsFailClosedOnEmptyAllowlist(t *testing.T) {
	r := newTestRegistry("file_read", "web_search")
	pe := NewPolicyEngine(&config.ToolsConfig{})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, true)
	assert.Empty(t, defs, "active skills with an empty allowlist must offer zero tools")
}

func TestFilterToolsActiveSkillsIntersectsAllowlist(t *testing.T) {
	r := newTestRegistry("file_read", "web_search", "qbank_import")
	pe := NewPolicyEngine(&config.ToolsConfig{})

	defs := pe.FilterTools(r, "anthropic", nil, nil, []string{"file_read"}, true)
	require.Len(t, defs, 1)
	assert.Equal(t, "file_read", defs[0].Function.Name)
}

func TestFilterToolsResolvesAlias(t *testing.T) {
	r := newTestRegistry("file_search")
	pe := NewPolicyEngine(&config.ToolsConfig{})

	defs := pe.FilterTools(r, "anthropic", nil, nil, []string{"file_grep"}, true)
	require.Len(t, defs, 1)
	assert.Equal(t, "file_search", defs[0].Function.Name)
}

func TestRegisterAndUnregisterToolGroup(t *testing.T) {
	RegisterToolGroup("test_dynamic_group", []string{"dynamic_tool"})
	defer UnregisterToolGroup("test_dynamic_group")

	r := newTestRegistry("dynamic_tool", "other_tool")
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "", Allow: []string{"group:test_dynamic_group"}})

	defs := pe.FilterTools(r, "anthropic", nil, nil, nil, false)
	require.Len(t, defs, 1)
	assert.Equal(t, "dynamic_tool", defs[0].Function.Name)
}
