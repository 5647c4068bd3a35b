package artifacts

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Canonical body schemas per artifact type. Required fields stay minimal so
// files carrying extra metadata keep validating.

func promptSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"prompt"},
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"description": map[string]any{"type": "string"},
			"prompt":      map[string]any{"type": "string", "minLength": 1},
			"model":       map[string]any{"type": "string"},
			"temperature": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"created_at": map[string]any{"type": "string"},
			"updated_at": map[string]any{"type": "string"},
		},
	}
}

func toolSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"description"},
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"description": map[string]any{"type": "string", "minLength": 1},
			"parameters":  map[string]any{"type": "object"},
			"url":         map[string]any{"type": "string"},
			"method": map[string]any{
				"type": "string",
				"enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers":    map[string]any{"type": "object"},
			"created_at": map[string]any{"type": "string"},
			"updated_at": map[string]any{"type": "string"},
		},
	}
}

func schemaFor(t Type) map[string]any {
	switch t {
	case TypePrompt:
		return promptSchema()
	case TypeTool:
		return toolSchema()
	}
	return nil
}

// validateBody checks an artifact body against the schema for its type and
// returns a ValidationError listing every violation.
func validateBody(t Type, path string, data map[string]any) error {
	schema := schemaFor(t)
	if schema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			problems[i] = verr.String()
		}
		return &ValidationError{Path: path, Problems: problems}
	}
	return nil
}
