package sourceadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/parleyhq/parley/internal/mcpruntime"
	"github.com/parleyhq/parley/pkg/models"
)

// MCPAdapter ingests mcp.json server manifests. The manifest's first usable
// package is connected through the session runtime, its tools listed, and
// each tool mapped to a definition whose profile routes through the internal
// MCP executor instead of an HTTP template.
type MCPAdapter struct {
	client  *http.Client
	runtime Runtime
}

func NewMCPAdapter(client *http.Client, runtime Runtime) *MCPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &MCPAdapter{client: client, runtime: runtime}
}

type mcpManifest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Packages    []struct {
		RegistryType string `json:"registry_type"` // pypi, npm, docker
		Identifier   string `json:"identifier"`
		Version      string `json:"version"`
		Transport    struct {
			Type string `json:"type"` // stdio, streamable_http, sse
			URL  string `json:"url"`
		} `json:"transport"`
		EnvironmentVariables []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"environment_variables"`
		RuntimeArguments []struct {
			Value string `json:"value"`
		} `json:"runtime_arguments"`
	} `json:"packages"`
}

func (a *MCPAdapter) FetchAndNormalize(ctx context.Context, source models.UpstreamSource) (*IngestionResult, error) {
	raw, err := fetchDescriptor(ctx, a.client, source.DescriptorURL, source.Auth)
	if err != nil {
		return nil, err
	}

	var manifest mcpManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse mcp manifest: %w", err)
	}
	if len(manifest.Packages) == 0 {
		return nil, fmt.Errorf("mcp manifest has no packages")
	}

	result := &IngestionResult{SourceVersion: manifest.Version}

	spec, warnings, err := serverSpec(source, manifest)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return nil, err
	}

	tools, err := a.runtime.ListTools(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", spec.Name, err)
	}

	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result.Tools = append(result.Tools, models.ToolDefinition{
			ID:          models.ToolID(source.ID, t.Name),
			OperationID: t.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Profile: models.ExecutionProfile{
				Mode:        models.ModeMCP,
				MCPServer:   spec.Name,
				MCPToolName: t.Name,
			},
			Version: manifest.Version,
		})
	}

	result.InventoryHash = InventoryHash(result.Tools)
	return result, nil
}

// serverSpec maps the first package with a supported transport to a runtime
// spec. The session is named after the source so re-syncs reuse it.
func serverSpec(source models.UpstreamSource, manifest mcpManifest) (mcpruntime.ServerSpec, []string, error) {
	var warnings []string

	for _, pkg := range manifest.Packages {
		spec := mcpruntime.ServerSpec{Name: source.Name}

		switch pkg.Transport.Type {
		case "", "stdio":
			spec.Transport = mcpruntime.TransportStdio
			command, args, err := packageCommand(pkg.RegistryType, pkg.Identifier, pkg.Version)
			if err != nil {
				warnings = append(warnings, err.Error())
				continue
			}
			for _, extra := range pkg.RuntimeArguments {
				args = append(args, extra.Value)
			}
			spec.Command = command
			spec.Args = args
			if len(pkg.EnvironmentVariables) > 0 {
				spec.Env = make(map[string]string, len(pkg.EnvironmentVariables))
				for _, ev := range pkg.EnvironmentVariables {
					spec.Env[ev.Name] = ev.Value
				}
			}
		case "streamable_http":
			spec.Transport = mcpruntime.TransportStreamableHTTP
			spec.URL = pkg.Transport.URL
			spec.Headers = transportHeaders(source.Auth)
		case "sse":
			spec.Transport = mcpruntime.TransportSSE
			spec.URL = pkg.Transport.URL
			spec.Headers = transportHeaders(source.Auth)
		default:
			warnings = append(warnings, fmt.Sprintf("package %q: unsupported transport %q", pkg.Identifier, pkg.Transport.Type))
			continue
		}

		if (spec.Transport != mcpruntime.TransportStdio) && spec.URL == "" {
			warnings = append(warnings, fmt.Sprintf("package %q: http transport without url", pkg.Identifier))
			continue
		}
		return spec, warnings, nil
	}
	return mcpruntime.ServerSpec{}, warnings, fmt.Errorf("mcp manifest has no usable package")
}

// packageCommand translates a registry package into a launchable command.
func packageCommand(registry, identifier, version string) (string, []string, error) {
	ref := identifier
	if version != "" {
		ref = identifier + "@" + version
	}
	switch registry {
	case "pypi":
		return "uvx", []string{ref}, nil
	case "npm":
		return "npx", []string{"-y", ref}, nil
	case "docker":
		image := identifier
		if version != "" {
			image = identifier + ":" + version
		}
		return "docker", []string{"run", "-i", "--rm", image}, nil
	default:
		return "", nil, fmt.Errorf("package %q: unsupported registry %q", identifier, registry)
	}
}

func transportHeaders(auth models.AuthConfig) map[string]string {
	switch auth.Type {
	case "bearer":
		return map[string]string{"Authorization": "Bearer " + auth.Token}
	case "header":
		return map[string]string{auth.Header: auth.Value}
	default:
		return nil
	}
}
