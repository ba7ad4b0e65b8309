package tool

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/ridgetop/ridgeline/backend/model"
)

// ToolHandler executes one tool call against its typed input.
type ToolHandler[T any] func(ctx context.Context, input T) (string, error)

// Tool is one executable tool with its generated input schema. Handler
// takes the raw input JSON and performs the typed unmarshal itself.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// NewTool builds a tool whose input schema is reflected from T, so the
// schema sent to the provider and the struct the handler receives cannot
// drift apart.
func NewTool[T any](name, description string, handler ToolHandler[T]) Tool {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var toolInput T
	inputSchema := reflector.Reflect(toolInput)
	paramSchema := map[string]any{
		"type":       "object",
		"properties": inputSchema.Properties,
	}
	if len(inputSchema.Required) > 0 {
		paramSchema["required"] = inputSchema.Required
	}

	return Tool{
		Name:        name,
		Description: description,
		Schema:      paramSchema,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var toolInput T
			if err := json.Unmarshal(input, &toolInput); err != nil {
				return "", err
			}
			return handler(ctx, toolInput)
		},
	}
}

func (t Tool) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.Schema,
	}
}
