package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/wrenproxy/internal/wren"
)

// NewMCPServer exposes the relay as MCP tools. Every tool takes the Wren
// API key as an explicit argument; nothing is remembered between calls.
func NewMCPServer(relay *wren.Relay, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"wrenproxy",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("wrenproxy relays natural-language questions to Wren AI Cloud projects."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("validate_project",
			mcp.WithDescription("Check that an API key can access a Wren project and return the project details."),
			mcp.WithString("api_key", mcp.Description("Wren AI Cloud API key"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Wren project ID"), mcp.Required()),
		),
		mcpValidateProject(relay),
	)

	s.AddTool(
		mcp.NewTool("wren_call",
			mcp.WithDescription("Send a question or command to a Wren API endpoint and return its JSON response."),
			mcp.WithString("api_key", mcp.Description("Wren AI Cloud API key"), mcp.Required()),
			mcp.WithString("endpoint_path", mcp.Description("Wren API path, e.g. ask or generate_sql"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Wren project ID"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Question text, sent as both question and text")),
			mcp.WithString("method", mcp.Description("HTTP method (default POST)"), mcp.Enum("POST", "PUT", "PATCH", "DELETE")),
			mcp.WithObject("additional_payload", mcp.Description("Extra request fields merged into the payload")),
		),
		mcpWrenCall(relay),
	)

	s.AddTool(
		mcp.NewTool("wren_stream",
			mcp.WithDescription("Call a streaming Wren API endpoint and return the full event stream once it ends."),
			mcp.WithString("api_key", mcp.Description("Wren AI Cloud API key"), mcp.Required()),
			mcp.WithString("endpoint_path", mcp.Description("Wren streaming API path, e.g. stream/ask"), mcp.Required()),
			mcp.WithString("project_id", mcp.Description("Wren project ID"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Question text, sent as both question and text")),
			mcp.WithObject("additional_payload", mcp.Description("Extra request fields merged into the payload")),
		),
		mcpWrenStream(relay),
	)

	return s
}

func mcpValidateProject(relay *wren.Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("api_key")
		if err != nil {
			return mcpError("api_key is required"), nil
		}
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		body, err := relay.Validate(ctx, key, projectID)
		if err != nil {
			return mcpRelayError(err), nil
		}
		return mcpText(string(body)), nil
	}
}

func mcpWrenCall(relay *wren.Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, path, pr, errResult := mcpProxyArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		body, err := relay.Handle(ctx, path, pr, key, req.GetString("method", "POST"))
		if err != nil {
			return mcpRelayError(err), nil
		}
		return mcpText(string(body)), nil
	}
}

func mcpWrenStream(relay *wren.Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, path, pr, errResult := mcpProxyArgs(req)
		if errResult != nil {
			return errResult, nil
		}

		stream, err := relay.HandleStream(ctx, path, pr, key)
		if err != nil {
			return mcpRelayError(err), nil
		}

		var buf bytes.Buffer
		if err := stream.Pipe(&buf, nil); err != nil {
			return mcpError(fmt.Sprintf("reading stream: %v", err)), nil
		}
		if stream.Outcome() != 0 {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: buf.String()}},
				IsError: true,
			}, nil
		}
		return mcpText(buf.String()), nil
	}
}

// mcpProxyArgs builds a ProxyRequest from tool arguments by round-tripping
// them through the same JSON shape the HTTP API accepts.
func mcpProxyArgs(req mcp.CallToolRequest) (key, path string, pr wren.ProxyRequest, errResult *mcp.CallToolResult) {
	key, err := req.RequireString("api_key")
	if err != nil || strings.TrimSpace(key) == "" {
		return "", "", pr, mcpError("api_key is required")
	}
	path, err = req.RequireString("endpoint_path")
	if err != nil {
		return "", "", pr, mcpError("endpoint_path is required")
	}

	args := req.GetArguments()
	body := map[string]any{}
	for _, k := range []string{"project_id", "text", "additional_payload"} {
		if v, ok := args[k]; ok {
			body[k] = v
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", "", pr, mcpError(fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", "", pr, mcpError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return key, strings.TrimPrefix(path, "/"), pr, nil
}

func mcpRelayError(err error) *mcp.CallToolResult {
	if e, ok := wren.AsError(err); ok {
		return mcpError(fmt.Sprintf("%d: %s", e.Status, e.Detail))
	}
	return mcpError("Internal server error")
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
