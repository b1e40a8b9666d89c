package sourceadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/pkg/models"
)

// OpenAPIAdapter ingests OpenAPI 3.x documents. Each path/method pair
// becomes one tool whose execution profile renders the upstream HTTP call.
type OpenAPIAdapter struct {
	client                *http.Client
	defaultTimeoutSeconds float64
}

func NewOpenAPIAdapter(client *http.Client, defaultTimeoutSeconds float64) *OpenAPIAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = 30
	}
	return &OpenAPIAdapter{client: client, defaultTimeoutSeconds: defaultTimeoutSeconds}
}

// Loose OpenAPI shapes. Schemas stay raw so $ref resolution can walk them
// generically.

type oasDocument struct {
	OpenAPI string `json:"openapi"`
	Swagger string `json:"swagger"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths      map[string]oasPathItem `json:"paths"`
	Security   []map[string][]string  `json:"security"`
	Components struct {
		Schemas         map[string]json.RawMessage   `json:"schemas"`
		SecuritySchemes map[string]oasSecurityScheme `json:"securitySchemes"`
	} `json:"components"`
}

type oasPathItem struct {
	Parameters []oasParameter `json:"parameters"`
	Get        *oasOperation  `json:"get"`
	Post       *oasOperation  `json:"post"`
	Put        *oasOperation  `json:"put"`
	Patch      *oasOperation  `json:"patch"`
	Delete     *oasOperation  `json:"delete"`
}

type oasOperation struct {
	OperationID string                `json:"operationId"`
	Summary     string                `json:"summary"`
	Description string                `json:"description"`
	Tags        []string              `json:"tags"`
	Parameters  []oasParameter        `json:"parameters"`
	RequestBody *oasRequestBody       `json:"requestBody"`
	Security    []map[string][]string `json:"security"`
}

type oasParameter struct {
	Name     string          `json:"name"`
	In       string          `json:"in"`
	Required bool            `json:"required"`
	Schema   json.RawMessage `json:"schema"`
}

type oasRequestBody struct {
	Required bool `json:"required"`
	Content  map[string]struct {
		Schema json.RawMessage `json:"schema"`
	} `json:"content"`
}

type oasSecurityScheme struct {
	Type      string `json:"type"`
	XAudience string `json:"x-audience"`
}

var (
	pathParamRe = regexp.MustCompile(`\{([^}]+)\}`)
	snakeRe     = regexp.MustCompile(`[^a-z0-9]+`)
)

func (a *OpenAPIAdapter) FetchAndNormalize(ctx context.Context, source models.UpstreamSource) (*IngestionResult, error) {
	raw, err := fetchDescriptor(ctx, a.client, source.DescriptorURL, source.Auth)
	if err != nil {
		return nil, err
	}

	jsonBytes, err := toJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	var doc oasDocument
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if doc.Swagger != "" {
		return nil, fmt.Errorf("swagger %s documents are not supported, convert to OpenAPI 3", doc.Swagger)
	}
	if doc.OpenAPI == "" {
		return nil, fmt.Errorf("descriptor is not an OpenAPI document")
	}

	// Generic view of the document for $ref resolution.
	var generic map[string]any
	if err := json.Unmarshal(jsonBytes, &generic); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}

	base, err := baseURL(doc, source.DescriptorURL)
	if err != nil {
		return nil, err
	}
	audience := securityAudience(doc, source)

	result := &IngestionResult{SourceVersion: doc.Info.Version}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		item := doc.Paths[p]
		for _, mo := range []struct {
			method string
			op     *oasOperation
		}{
			{http.MethodGet, item.Get},
			{http.MethodPost, item.Post},
			{http.MethodPut, item.Put},
			{http.MethodPatch, item.Patch},
			{http.MethodDelete, item.Delete},
		} {
			if mo.op == nil {
				continue
			}
			def, warnings := a.normalizeOperation(generic, doc, source, base, audience, p, mo.method, item, mo.op)
			result.Warnings = append(result.Warnings, warnings...)
			if def != nil {
				result.Tools = append(result.Tools, *def)
			}
		}
	}

	result.InventoryHash = InventoryHash(result.Tools)
	return result, nil
}

func (a *OpenAPIAdapter) normalizeOperation(generic map[string]any, doc oasDocument, source models.UpstreamSource, base, audience, path, method string, item oasPathItem, op *oasOperation) (*models.ToolDefinition, []string) {
	var warnings []string

	opID := op.OperationID
	if opID == "" {
		opID = generatedOperationID(method, path)
	}

	desc := op.Description
	if desc == "" {
		desc = op.Summary
	}
	if desc == "" {
		desc = method + " " + path
	}

	props := map[string]any{}
	var required []string

	// Path-level parameters first so operation-level ones can shadow them.
	for _, param := range append(append([]oasParameter{}, item.Parameters...), op.Parameters...) {
		if param.In != "path" && param.In != "query" {
			continue
		}
		schema := resolveSchema(generic, param.Schema, nil)
		if schema == nil {
			schema = map[string]any{"type": "string"}
		}
		props[param.Name] = schema
		if param.Required || param.In == "path" {
			required = appendUnique(required, param.Name)
		}
	}

	var bodyProps []string
	contentType := "application/json"
	if op.RequestBody != nil {
		media, ok := op.RequestBody.Content["application/json"]
		if !ok {
			for ct := range op.RequestBody.Content {
				warnings = append(warnings, fmt.Sprintf("%s %s: unsupported request body content type %q, body omitted", method, path, ct))
				break
			}
		} else {
			schema, _ := resolveSchema(generic, media.Schema, nil).(map[string]any)
			if schema != nil {
				if sub, ok := schema["properties"].(map[string]any); ok {
					for name, ps := range sub {
						props[name] = ps
						bodyProps = append(bodyProps, name)
					}
				}
				if reqList, ok := schema["required"].([]any); ok {
					for _, r := range reqList {
						if s, ok := r.(string); ok {
							required = appendUnique(required, s)
						}
					}
				}
			}
		}
	}
	sort.Strings(bodyProps)
	sort.Strings(required)

	inputSchema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}
	schemaRaw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, append(warnings, fmt.Sprintf("%s %s: input schema not serializable, skipped", method, path))
	}

	profile := models.ExecutionProfile{
		Mode:             models.ModeSyncHTTP,
		Method:           method,
		URLTemplate:      base + pathParamRe.ReplaceAllString(path, "{{ $1 }}"),
		ContentType:      contentType,
		RequiredAudience: operationAudience(doc, op, audience),
		TimeoutSeconds:   a.defaultTimeoutSeconds,
	}
	if len(bodyProps) > 0 {
		profile.BodyTemplate = bodyTemplate(bodyProps)
	}

	def := &models.ToolDefinition{
		ID:          models.ToolID(source.ID, opID),
		OperationID: opID,
		Name:        opID,
		Description: desc,
		InputSchema: schemaRaw,
		Profile:     profile,
		Tags:        op.Tags,
		SourcePath:  path,
		Version:     doc.Info.Version,
	}
	return def, warnings
}

// toJSON canonicalizes a descriptor to JSON bytes, sniffing the format from
// the first non-space byte.
func toJSON(raw []byte) ([]byte, error) {
	trimmed := strings.TrimLeftFunc(string(raw), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\ufeff'
	})
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	var node any
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	return json.Marshal(node)
}

func baseURL(doc oasDocument, descriptorURL string) (string, error) {
	descriptor, err := url.Parse(descriptorURL)
	if err != nil {
		return "", fmt.Errorf("parse descriptor url: %w", err)
	}
	if len(doc.Servers) == 0 || doc.Servers[0].URL == "" {
		return descriptor.Scheme + "://" + descriptor.Host, nil
	}
	server, err := url.Parse(doc.Servers[0].URL)
	if err != nil {
		return "", fmt.Errorf("parse servers[0].url: %w", err)
	}
	resolved := descriptor.ResolveReference(server)
	return strings.TrimRight(resolved.String(), "/"), nil
}

// securityAudience returns the audience from the first OAuth2 security
// scheme carrying x-audience, falling back to the source default.
func securityAudience(doc oasDocument, source models.UpstreamSource) string {
	names := make([]string, 0, len(doc.Components.SecuritySchemes))
	for name := range doc.Components.SecuritySchemes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		scheme := doc.Components.SecuritySchemes[name]
		if scheme.Type == "oauth2" && scheme.XAudience != "" {
			return scheme.XAudience
		}
	}
	return source.DefaultAudience
}

// operationAudience narrows to the operation's own security requirement
// when it names a scheme with an audience.
func operationAudience(doc oasDocument, op *oasOperation, fallback string) string {
	for _, requirement := range op.Security {
		for name := range requirement {
			if scheme, ok := doc.Components.SecuritySchemes[name]; ok && scheme.Type == "oauth2" && scheme.XAudience != "" {
				return scheme.XAudience
			}
		}
	}
	return fallback
}

// resolveSchema expands local $ref pointers in place. Cyclic references are
// cut at the repeat with a bare object schema.
func resolveSchema(root map[string]any, raw json.RawMessage, seen map[string]bool) any {
	if len(raw) == 0 {
		return nil
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	return resolveNode(root, node, seen)
}

func resolveNode(root map[string]any, node any, seen map[string]bool) any {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			if seen[ref] {
				return map[string]any{"type": "object"}
			}
			target := lookupRef(root, ref)
			if target == nil {
				return map[string]any{"type": "object"}
			}
			next := map[string]bool{}
			for k := range seen {
				next[k] = true
			}
			next[ref] = true
			return resolveNode(root, target, next)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = resolveNode(root, child, seen)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = resolveNode(root, child, seen)
		}
		return out
	default:
		return v
	}
}

// lookupRef walks a "#/a/b/c" pointer through the generic document.
func lookupRef(root map[string]any, ref string) any {
	if !strings.HasPrefix(ref, "#/") {
		return nil
	}
	var current any = root
	for _, part := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func generatedOperationID(method, path string) string {
	cleaned := strings.NewReplacer("{", "", "}", "").Replace(strings.ToLower(path))
	cleaned = strings.Trim(snakeRe.ReplaceAllString(cleaned, "_"), "_")
	if cleaned == "" {
		return strings.ToLower(method) + "_root"
	}
	return strings.ToLower(method) + "_" + cleaned
}

func bodyTemplate(props []string) string {
	parts := make([]string, len(props))
	for i, name := range props {
		parts[i] = fmt.Sprintf("%q: {{ %s | tojson }}", name, name)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// fetchDescriptor retrieves a source descriptor with the source's configured
// fetch credentials.
func fetchDescriptor(ctx context.Context, client *http.Client, descriptorURL string, auth models.AuthConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, descriptorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor request: %w", err)
	}
	switch auth.Type {
	case "", "none":
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.User, auth.Pass)
	case "header":
		req.Header.Set(auth.Header, auth.Value)
	default:
		return nil, fmt.Errorf("unsupported descriptor auth type %q", auth.Type)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch descriptor: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return raw, nil
}
