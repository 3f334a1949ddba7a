// Package schemas contains the parameter schemas of the built-in tools.
// The registry attaches them to tool definitions sent with each request.
package schemas

// ToolSchema represents a tool's description and JSON schema.
type ToolSchema struct {
	Description string
	Schema      map[string]any
}

// All returns all built-in tool schemas keyed by tool name.
func All() map[string]ToolSchema {
	return map[string]ToolSchema{
		"get_weather": {
			Description: "Get current weather for a location",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "City name, e.g. \"San Francisco, CA\"",
					},
					"unit": map[string]any{
						"type":        "string",
						"enum":        []string{"celsius", "fahrenheit"},
						"description": "Temperature unit",
					},
				},
				"required": []string{"location"},
			},
		},
		"search_database": {
			Description: "Search a database for information",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results to return",
						"default":     10,
					},
				},
				"required": []string{"query"},
			},
		},
		"calculate": {
			Description: "Perform mathematical calculations",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Mathematical expression to evaluate, e.g. \"2 + 2 * 3\"",
					},
				},
				"required": []string{"expression"},
			},
		},
	}
}
