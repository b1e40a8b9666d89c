package mcpruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// stdioSession runs an MCP server as a subprocess and talks JSON-RPC over
// its stdin/stdout through mcp-go.
type stdioSession struct {
	client *client.Client
}

func newStdioSession(ctx context.Context, spec ServerSpec) (*stdioSession, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(spec.Command, env, spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn mcp server %q: %w", spec.Name, err)
	}

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start mcp server %q: %w", spec.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "parley-tools",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp server %q: %w", spec.Name, err)
	}

	return &stdioSession{client: c}, nil
}

func (s *stdioSession) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal input schema for %q: %w", t.Name, err)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}

	text := flattenContent(resp.Content)
	if resp.IsError {
		return nil, &ToolError{Text: text}
	}
	return textResult(text)
}

func (s *stdioSession) Close() error {
	return s.client.Close()
}

// flattenContent joins the textual parts of an MCP result.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// textResult wraps tool output as JSON. Output that is already valid JSON
// passes through untouched; plain text is wrapped in {"result": ...}.
func textResult(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	wrapped, err := json.Marshal(map[string]string{"result": text})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(wrapped), nil
}
