// Package toolconv translates tool specs into each backend's function-calling
// schema. Conversions are lossy only for schema constructs a backend cannot
// represent.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/agent"
)

// ToOpenAITools converts tool specs to OpenAI function definitions. A spec
// with an unparseable schema degrades to an empty object schema rather than
// failing the whole request.
func ToOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
