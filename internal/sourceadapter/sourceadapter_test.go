package sourceadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/mcpruntime"
	"github.com/parleyhq/parley/pkg/models"
)

const ordersDescriptor = `{
  "openapi": "3.0.3",
  "info": {"title": "Orders", "version": "2.1.0"},
  "servers": [{"url": "/api/v2"}],
  "components": {
    "securitySchemes": {
      "oidc": {"type": "oauth2", "x-audience": "orders-api"}
    },
    "schemas": {
      "NewOrder": {
        "type": "object",
        "required": ["sku"],
        "properties": {
          "sku": {"type": "string"},
          "quantity": {"type": "integer"},
          "parent": {"$ref": "#/components/schemas/NewOrder"}
        }
      }
    }
  },
  "paths": {
    "/orders/{order_id}": {
      "parameters": [
        {"name": "order_id", "in": "path", "required": true, "schema": {"type": "string"}}
      ],
      "get": {
        "operationId": "getOrder",
        "summary": "Fetch one order",
        "parameters": [
          {"name": "expand", "in": "query", "schema": {"type": "string"}}
        ]
      }
    },
    "/orders": {
      "post": {
        "description": "Create an order",
        "tags": ["orders"],
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {"schema": {"$ref": "#/components/schemas/NewOrder"}}
          }
        }
      }
    }
  }
}`

func serveDescriptor(t *testing.T, body, contentType string, requireAuth string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireAuth != "" && r.Header.Get("Authorization") != requireAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func findTool(t *testing.T, tools []models.ToolDefinition, opID string) models.ToolDefinition {
	t.Helper()
	for _, tool := range tools {
		if tool.OperationID == opID {
			return tool
		}
	}
	t.Fatalf("tool %q not found in %d tools", opID, len(tools))
	return models.ToolDefinition{}
}

func TestOpenAPINormalize(t *testing.T) {
	srv := serveDescriptor(t, ordersDescriptor, "application/json", "")
	adapter := NewOpenAPIAdapter(srv.Client(), 25)

	result, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID:            "src-1",
		Name:          "orders",
		DescriptorURL: srv.URL + "/openapi.json",
		Type:          models.SourceTypeOpenAPI,
	})
	if err != nil {
		t.Fatalf("FetchAndNormalize: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(result.Tools))
	}
	if result.SourceVersion != "2.1.0" {
		t.Errorf("source version = %q", result.SourceVersion)
	}
	if result.InventoryHash == "" || len(result.InventoryHash) != 16 {
		t.Errorf("inventory hash = %q", result.InventoryHash)
	}

	get := findTool(t, result.Tools, "getOrder")
	if get.ID != "src-1:getOrder" {
		t.Errorf("id = %q", get.ID)
	}
	if get.Description != "Fetch one order" {
		t.Errorf("description = %q", get.Description)
	}
	wantURL := srv.URL + "/api/v2/orders/{{ order_id }}"
	if get.Profile.URLTemplate != wantURL {
		t.Errorf("url template = %q, want %q", get.Profile.URLTemplate, wantURL)
	}
	if get.Profile.Method != http.MethodGet || get.Profile.Mode != models.ModeSyncHTTP {
		t.Errorf("profile = %+v", get.Profile)
	}
	if get.Profile.RequiredAudience != "orders-api" {
		t.Errorf("audience = %q", get.Profile.RequiredAudience)
	}
	if get.Profile.TimeoutSeconds != 25 {
		t.Errorf("timeout = %v", get.Profile.TimeoutSeconds)
	}
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(get.InputSchema, &schema); err != nil {
		t.Fatalf("input schema: %v", err)
	}
	if _, ok := schema.Properties["order_id"]; !ok {
		t.Error("path parameter missing from schema")
	}
	if _, ok := schema.Properties["expand"]; !ok {
		t.Error("query parameter missing from schema")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "order_id" {
		t.Errorf("required = %v", schema.Required)
	}

	post := findTool(t, result.Tools, "post_orders")
	if post.Description != "Create an order" {
		t.Errorf("description = %q", post.Description)
	}
	wantBody := `{"parent": {{ parent | tojson }}, "quantity": {{ quantity | tojson }}, "sku": {{ sku | tojson }}}`
	if post.Profile.BodyTemplate != wantBody {
		t.Errorf("body template = %q", post.Profile.BodyTemplate)
	}
	if post.Profile.ContentType != "application/json" {
		t.Errorf("content type = %q", post.Profile.ContentType)
	}
	if len(post.Tags) != 1 || post.Tags[0] != "orders" {
		t.Errorf("tags = %v", post.Tags)
	}
	if err := json.Unmarshal(post.InputSchema, &schema); err != nil {
		t.Fatalf("input schema: %v", err)
	}
	// Cyclic $ref is cut with a plain object schema.
	parent, ok := schema.Properties["parent"].(map[string]any)
	if !ok {
		t.Fatalf("parent schema = %v", schema.Properties["parent"])
	}
	if nested, ok := parent["properties"].(map[string]any); ok {
		if cut, ok := nested["parent"].(map[string]any); !ok || cut["properties"] != nil {
			t.Errorf("cycle not cut: %v", nested["parent"])
		}
	}
	if len(schema.Required) != 1 || schema.Required[0] != "sku" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestOpenAPIYAML(t *testing.T) {
	yamlDoc := strings.Join([]string{
		"openapi: 3.0.0",
		"info:",
		"  title: Ping",
		"  version: 1.0.0",
		"paths:",
		"  /ping:",
		"    get:",
		"      summary: Ping",
	}, "\n")
	srv := serveDescriptor(t, yamlDoc, "application/yaml", "")
	adapter := NewOpenAPIAdapter(srv.Client(), 0)

	result, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID:            "src-y",
		DescriptorURL: srv.URL + "/openapi.yaml",
	})
	if err != nil {
		t.Fatalf("FetchAndNormalize: %v", err)
	}
	tool := findTool(t, result.Tools, "get_ping")
	// No servers block: base falls back to the descriptor host.
	if tool.Profile.URLTemplate != srv.URL+"/ping" {
		t.Errorf("url template = %q", tool.Profile.URLTemplate)
	}
	if tool.Profile.TimeoutSeconds != 30 {
		t.Errorf("default timeout = %v", tool.Profile.TimeoutSeconds)
	}
}

func TestOpenAPIRejectsSwagger2(t *testing.T) {
	srv := serveDescriptor(t, `{"swagger": "2.0", "paths": {}}`, "application/json", "")
	adapter := NewOpenAPIAdapter(srv.Client(), 30)
	_, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID: "s", DescriptorURL: srv.URL,
	})
	if err == nil || !strings.Contains(err.Error(), "swagger") {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchDescriptorAuth(t *testing.T) {
	srv := serveDescriptor(t, ordersDescriptor, "application/json", "Bearer s3cret")
	adapter := NewOpenAPIAdapter(srv.Client(), 30)

	_, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID: "s", DescriptorURL: srv.URL,
	})
	if err == nil {
		t.Fatal("expected 401 without credentials")
	}

	_, err = adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID:            "s",
		DescriptorURL: srv.URL,
		Auth:          models.AuthConfig{Type: "bearer", Token: "s3cret"},
	})
	if err != nil {
		t.Fatalf("with bearer: %v", err)
	}
}

func TestGeneratedOperationID(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"GET", "/users/{id}/posts", "get_users_id_posts"},
		{"POST", "/orders", "post_orders"},
		{"DELETE", "/a-b/c.d", "delete_a_b_c_d"},
		{"GET", "/", "get_root"},
	}
	for _, c := range cases {
		if got := generatedOperationID(c.method, c.path); got != c.want {
			t.Errorf("generatedOperationID(%s, %s) = %q, want %q", c.method, c.path, got, c.want)
		}
	}
}

func TestInventoryHashOrderIndependent(t *testing.T) {
	a := models.ToolDefinition{ID: "s:a", Name: "a"}
	b := models.ToolDefinition{ID: "s:b", Name: "b"}
	if InventoryHash([]models.ToolDefinition{a, b}) != InventoryHash([]models.ToolDefinition{b, a}) {
		t.Error("hash depends on discovery order")
	}
	if InventoryHash([]models.ToolDefinition{a}) == InventoryHash([]models.ToolDefinition{b}) {
		t.Error("distinct inventories collide")
	}
}

type fakeRuntime struct {
	spec  mcpruntime.ServerSpec
	tools []mcpruntime.ToolInfo
	err   error
}

func (f *fakeRuntime) ListTools(ctx context.Context, spec mcpruntime.ServerSpec) ([]mcpruntime.ToolInfo, error) {
	f.spec = spec
	return f.tools, f.err
}

const stdioManifest = `{
  "name": "notes-server",
  "version": "0.4.0",
  "packages": [{
    "registry_type": "pypi",
    "identifier": "mcp-notes",
    "version": "0.4.0",
    "transport": {"type": "stdio"},
    "environment_variables": [{"name": "NOTES_DIR", "value": "/data"}]
  }]
}`

func TestMCPNormalizeStdio(t *testing.T) {
	srv := serveDescriptor(t, stdioManifest, "application/json", "")
	rt := &fakeRuntime{tools: []mcpruntime.ToolInfo{
		{
			Name:        "search_notes",
			Description: "Search stored notes",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
	}}
	adapter := NewMCPAdapter(srv.Client(), rt)

	result, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID:            "src-mcp",
		Name:          "notes",
		DescriptorURL: srv.URL + "/mcp.json",
		Type:          models.SourceTypeMCP,
	})
	if err != nil {
		t.Fatalf("FetchAndNormalize: %v", err)
	}
	if len(result.Tools) != 1 {
		t.Fatalf("got %d tools", len(result.Tools))
	}

	tool := result.Tools[0]
	if tool.ID != "src-mcp:search_notes" {
		t.Errorf("id = %q", tool.ID)
	}
	if tool.Profile.Mode != models.ModeMCP || tool.Profile.MCPServer != "notes" || tool.Profile.MCPToolName != "search_notes" {
		t.Errorf("profile = %+v", tool.Profile)
	}
	if result.SourceVersion != "0.4.0" {
		t.Errorf("source version = %q", result.SourceVersion)
	}

	if rt.spec.Transport != mcpruntime.TransportStdio {
		t.Errorf("transport = %q", rt.spec.Transport)
	}
	if rt.spec.Command != "uvx" || len(rt.spec.Args) != 1 || rt.spec.Args[0] != "mcp-notes@0.4.0" {
		t.Errorf("command = %q %v", rt.spec.Command, rt.spec.Args)
	}
	if rt.spec.Env["NOTES_DIR"] != "/data" {
		t.Errorf("env = %v", rt.spec.Env)
	}
}

func TestMCPNormalizeHTTP(t *testing.T) {
	manifest := `{
	  "name": "remote",
	  "packages": [{
	    "registry_type": "npm",
	    "identifier": "unused",
	    "transport": {"type": "streamable_http", "url": "https://mcp.example.com/rpc"}
	  }]
	}`
	srv := serveDescriptor(t, manifest, "application/json", "")
	rt := &fakeRuntime{tools: []mcpruntime.ToolInfo{{Name: "echo"}}}
	adapter := NewMCPAdapter(srv.Client(), rt)

	_, err := adapter.FetchAndNormalize(context.Background(), models.UpstreamSource{
		ID:            "src-r",
		Name:          "remote",
		DescriptorURL: srv.URL,
		Auth:          models.AuthConfig{Type: "bearer", Token: "tok"},
	})
	if err != nil {
		t.Fatalf("FetchAndNormalize: %v", err)
	}
	if rt.spec.Transport != mcpruntime.TransportStreamableHTTP || rt.spec.URL != "https://mcp.example.com/rpc" {
		t.Errorf("spec = %+v", rt.spec)
	}
	if rt.spec.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("headers = %v", rt.spec.Headers)
	}
}

func TestPackageCommand(t *testing.T) {
	cases := []struct {
		registry, id, version string
		wantCmd               string
		wantArgs              []string
	}{
		{"pypi", "mcp-notes", "1.0", "uvx", []string{"mcp-notes@1.0"}},
		{"npm", "@scope/server", "2.0", "npx", []string{"-y", "@scope/server@2.0"}},
		{"docker", "ghcr.io/x/srv", "3", "docker", []string{"run", "-i", "--rm", "ghcr.io/x/srv:3"}},
	}
	for _, c := range cases {
		cmd, args, err := packageCommand(c.registry, c.id, c.version)
		if err != nil {
			t.Errorf("%s: %v", c.registry, err)
			continue
		}
		if cmd != c.wantCmd {
			t.Errorf("%s: cmd = %q", c.registry, cmd)
		}
		if len(args) != len(c.wantArgs) {
			t.Errorf("%s: args = %v", c.registry, args)
			continue
		}
		for i := range args {
			if args[i] != c.wantArgs[i] {
				t.Errorf("%s: args[%d] = %q, want %q", c.registry, i, args[i], c.wantArgs[i])
			}
		}
	}
	if _, _, err := packageCommand("gem", "x", ""); err == nil {
		t.Error("expected error for unsupported registry")
	}
}
