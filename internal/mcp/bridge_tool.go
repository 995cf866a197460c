package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/chatpipe/internal/tools"
)

// BridgeTool adapts one MCP server-side tool into the registry's Executor
// interface. Its registered name is "mcp_"-prefixed (optionally with a
// server-supplied extra prefix) so the orchestrator can always tell an MCP
// tool call apart from a builtin one; OriginalName recovers the server's
// own tool name for the reverse mapping filterTools needs.
type BridgeTool struct {
	serverName   string
	prefix       string
	originalName string
	description  string
	schema       map[string]interface{}
	sensitivity  tools.Sensitivity

	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

func NewBridgeTool(serverName string, mcpTool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	schema := map[string]interface{}{"type": "object"}
	if mcpTool.InputSchema.Type != "" || len(mcpTool.InputSchema.Properties) > 0 {
		schema = map[string]interface{}{
			"type":       "object",
			"properties": mcpTool.InputSchema.Properties,
			"required":   mcpTool.InputSchema.Required,
		}
	}

	if prefix == "" {
		prefix = bridgePrefix(serverName)
	}

	return &BridgeTool{
		serverName:   serverName,
		prefix:       prefix,
		originalName: mcpTool.Name,
		description:  mcpTool.Description,
		schema:       schema,
		sensitivity:  tools.SensitivityMedium, // server-executed code by default requires approval
		client:       client,
		timeoutSec:   timeoutSec,
		connected:    connected,
	}
}

// Name returns the registry name: "mcp_" plus the server's (or
// config-supplied) prefix plus its own tool name, e.g.
// "mcp_github_create_issue".
func (b *BridgeTool) Name() string {
	if b.prefix != "" {
		return "mcp_" + b.prefix + "_" + b.originalName
	}
	return "mcp_" + b.originalName
}

// OriginalName returns the server's own, unprefixed tool name.
func (b *BridgeTool) OriginalName() string { return b.originalName }

func (b *BridgeTool) Description() string             { return b.description }
func (b *BridgeTool) Schema() map[string]interface{}  { return b.schema }
func (b *BridgeTool) Sensitivity() tools.Sensitivity   { return b.sensitivity }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %q is disconnected", b.serverName)), nil
	}

	timeout := time.Duration(b.timeoutSec) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.originalName
	req.Params.Arguments = args

	resp, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp tool %q failed: %v", b.Name(), err)), nil
	}

	var sb strings.Builder
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	out := tools.NewResult(sb.String())
	out.IsError = resp.IsError
	return out, nil
}

func bridgePrefix(serverName string) string {
	return strings.ReplaceAll(strings.ToLower(serverName), "-", "_")
}
