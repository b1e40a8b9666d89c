// Package sourceadapter ingests upstream descriptors (OpenAPI documents,
// MCP manifests) and normalizes them into tool definitions the catalog can
// store and the executor can run.
package sourceadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/parleyhq/parley/internal/mcpruntime"
	"github.com/parleyhq/parley/pkg/models"
)

// IngestionResult is the outcome of one fetch-and-normalize pass.
type IngestionResult struct {
	Tools         []models.ToolDefinition
	InventoryHash string
	Warnings      []string
	SourceVersion string
}

// Adapter turns one source's descriptor into normalized tool definitions.
type Adapter interface {
	FetchAndNormalize(ctx context.Context, source models.UpstreamSource) (*IngestionResult, error)
}

// Runtime is the MCP session surface the MCP adapter needs: connect to a
// server and enumerate its tools.
type Runtime interface {
	ListTools(ctx context.Context, spec mcpruntime.ServerSpec) ([]mcpruntime.ToolInfo, error)
}

// Deps carries the shared collaborators adapters are built from.
type Deps struct {
	HTTPClient            *http.Client
	DefaultTimeoutSeconds float64
	MCPRuntime            Runtime
}

// InventoryHash digests the sorted, canonicalized tool list. Identical
// inventories hash identically regardless of discovery order; the digest is
// truncated for readable storage.
func InventoryHash(tools []models.ToolDefinition) string {
	sorted := append([]models.ToolDefinition(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, t := range sorted {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DefinitionHash digests one normalized definition for change detection
// between syncs.
func DefinitionHash(t models.ToolDefinition) string {
	raw, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// ForSource selects the adapter for a source type. The MCP adapter needs a
// session runtime to list tools; pass it via deps.
func ForSource(sourceType models.SourceType, deps Deps) (Adapter, error) {
	switch sourceType {
	case models.SourceTypeOpenAPI:
		return NewOpenAPIAdapter(deps.HTTPClient, deps.DefaultTimeoutSeconds), nil
	case models.SourceTypeMCP:
		if deps.MCPRuntime == nil {
			return nil, fmt.Errorf("sourceadapter: mcp runtime not configured")
		}
		return NewMCPAdapter(deps.HTTPClient, deps.MCPRuntime), nil
	default:
		return nil, fmt.Errorf("sourceadapter: unsupported source type %q", sourceType)
	}
}
