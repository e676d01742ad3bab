package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/grimoire-sh/grimoire/internal/router"
)

// serverVersion is the gateway's advertised MCP server version.
const serverVersion = "1.0.0"

// resolveArgs is the input shape of resolve_intent.
type resolveArgs struct {
	Query string `json:"query" jsonschema:"describe what you want to do, in plain language"`
}

// initServer builds the MCP server and registers resolve_intent. The
// activate_spell tool is managed separately by refreshActivateTool because
// its schema enumerates the known spell names.
func (g *Gateway) initServer() {
	g.server = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "grimoire", Version: serverVersion},
		nil,
	)

	mcpsdk.AddTool(g.server, &mcpsdk.Tool{
		Name: "resolve_intent",
		Description: "Find the right tool server for a task. Describe what you want to do " +
			"and the matching server is activated, making its tools available.",
	}, g.handleResolveIntent)
}

// Serve answers MCP requests on stdio until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	if err := g.server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

func (g *Gateway) handleResolveIntent(ctx context.Context, _ *mcpsdk.CallToolRequest, args resolveArgs) (*mcpsdk.CallToolResult, *ResolveResult, error) {
	return nil, g.ResolveIntent(ctx, args.Query), nil
}

// refreshActivateTool reconciles activate_spell with the known spell set: the
// tool is exposed only while at least one spell is known, and its name enum
// is rebuilt on every change so clients always see the current grimoire.
func (g *Gateway) refreshActivateTool() {
	g.mu.Lock()
	names := make([]string, 0, len(g.configs))
	for name := range g.configs {
		names = append(names, name)
	}
	wasExposed := g.activateExposed
	g.activateExposed = len(names) > 0
	g.mu.Unlock()

	if len(names) == 0 {
		if wasExposed {
			g.server.RemoveTools("activate_spell")
		}
		return
	}

	sort.Strings(names)
	enum := make([]any, len(names))
	for i, name := range names {
		enum[i] = name
	}

	// Re-adding a tool with the same name replaces it, so schema refreshes
	// ride the same path as initial exposure.
	g.server.AddTool(&mcpsdk.Tool{
		Name:        "activate_spell",
		Description: "Activate a specific tool server by name, making its tools available.",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"name"},
			Properties: map[string]*jsonschema.Schema{
				"name": {
					Type:        "string",
					Description: "Name of the spell to activate.",
					Enum:        enum,
				},
			},
		},
	}, g.handleActivateSpell)
}

func (g *Gateway) handleActivateSpell(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Name string `json:"name"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, fmt.Errorf("gateway: invalid activate_spell arguments: %w", err)
		}
	}

	result, err := g.ActivateSpell(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	return structuredResult(result)
}

// exposeSpellTools publishes a spell's (steered) tools on the gateway's own
// MCP surface, each backed by a proxy to the spell's session. The SDK emits
// a tools/list_changed notification to connected clients.
func (g *Gateway) exposeSpellTools(spellName string, tools []router.ToolDescriptor) {
	for _, tool := range tools {
		g.server.AddTool(&mcpsdk.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, g.proxyHandler(spellName, tool.Name))
	}
}

// RetractSpellTools removes a killed spell's tools from the gateway's MCP
// surface. Wired as the lifecycle manager's kill hook.
func (g *Gateway) RetractSpellTools(spellName string) {
	tools := g.router.ToolsForSpell(spellName)
	if len(tools) == 0 {
		return
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		// A colliding tool re-registered by another spell stays exposed.
		if owner, ok := g.router.SpellForTool(tool.Name); ok && owner != spellName {
			continue
		}
		names = append(names, tool.Name)
	}
	if len(names) > 0 {
		g.server.RemoveTools(names...)
	}
}

// proxyHandler forwards a tool call to the owning spell and stamps the
// spell's usage. Each proxied call counts as one conversation turn.
func (g *Gateway) proxyHandler(spellName, toolName string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, fmt.Errorf("gateway: invalid arguments for tool %q: %w", toolName, err)
			}
		}

		g.manager.IncrementTurn()
		g.manager.MarkUsed(spellName)

		result, err := g.manager.CallTool(ctx, spellName, toolName, args)
		if err != nil {
			slog.Warn("gateway: proxied tool call failed", "spell", spellName, "tool", toolName, "err", err)
			return nil, err
		}
		return result, nil
	}
}

// structuredResult renders v as both structured content and a JSON text
// block, for clients that only read one of the two.
func structuredResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		StructuredContent: v,
	}, nil
}
