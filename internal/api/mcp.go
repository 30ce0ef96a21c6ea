package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/query"
)

const defaultMCPWait = 2 * time.Second

// NewMCPServer creates an MCP server exposing the launcher: tools to run a
// query and activate a result, and resources describing extensions and
// their runtimes.
func NewMCPServer(deps Deps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = logging.ForComponent(logging.CompMCP)
	}

	s := server.NewMCPServer(
		"hotbox",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("hotbox is a keyboard launcher. Use query to search applications, documents and the web; activate_result to open one."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query",
			mcp.WithDescription("Run a launcher query and return the ranked results once every extension has answered."),
			mcp.WithString("input", mcp.Description("Text typed into the launcher"), mcp.Required()),
			mcp.WithNumber("timeout_ms", mcp.Description("Maximum time to wait for all extensions (default 2000)")),
		),
		mcpQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("activate_result",
			mcp.WithDescription("Activate a result from the latest query by its key (extension/result id)."),
			mcp.WithString("key", mcp.Description("Result key as returned by query"), mcp.Required()),
		),
		mcpActivateResult(deps),
	)

	s.AddTool(
		mcp.NewTool("set_extension_enabled",
			mcp.WithDescription("Enable or disable an extension."),
			mcp.WithString("id", mcp.Description("Extension id"), mcp.Required()),
			mcp.WithBoolean("enabled", mcp.Description("Whether the extension answers queries"), mcp.Required()),
		),
		mcpSetExtensionEnabled(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"hotbox://extensions",
			"Extensions",
			mcp.WithResourceDescription("Registered extensions in declaration order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpJSONResource(func(context.Context) (any, error) { return deps.Registry.List(), nil }),
	)

	s.AddResource(
		mcp.NewResource(
			"hotbox://stats/runtimes",
			"Extension runtimes",
			mcp.WithResourceDescription("Recent per-extension query runtimes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpJSONResource(func(ctx context.Context) (any, error) { return deps.Store.RuntimeStats(ctx) }),
	)

	return s
}

func mcpQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := req.RequireString("input")
		if err != nil {
			return mcpError("input is required"), nil
		}
		wait := defaultMCPWait
		if ms := req.GetInt("timeout_ms", 0); ms > 0 {
			wait = time.Duration(ms) * time.Millisecond
		}

		if _, err := deps.Engine.Activate(ctx); err != nil {
			return mcpError(fmt.Sprintf("activating session: %v", err)), nil
		}
		gen, err := deps.Engine.InputChanged(input)
		if err != nil {
			return mcpError(fmt.Sprintf("dispatching query: %v", err)), nil
		}

		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		em, err := AwaitDone(wctx, deps.Engine, gen)
		if errors.Is(err, query.ErrNoSession) {
			return mcpError("session closed while waiting for results"), nil
		}
		if err != nil {
			// Timed out: report what has arrived so far.
			if latest, ok := deps.Engine.Latest(); ok && latest.Generation == gen {
				em = latest
			} else {
				em = query.Emission{Generation: gen, Input: input}
			}
		}
		deps.Logger.Debug("mcp query", "input", input, "generation", gen, "results", len(em.Items), "done", em.Done)

		b, err := json.Marshal(em)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpActivateResult(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		if err := deps.Engine.ActivateResult(ctx, key); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Activated %s", key)), nil
	}
}

func mcpSetExtensionEnabled(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		enabled, err := req.RequireBool("enabled")
		if err != nil {
			return mcpError("enabled is required"), nil
		}
		if err := deps.Registry.SetEnabled(id, enabled); err != nil {
			return mcpError(err.Error()), nil
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return mcpText(fmt.Sprintf("Extension %s %s", id, state)), nil
	}
}

func mcpJSONResource(load func(ctx context.Context) (any, error)) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", req.Params.URI, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", req.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
