package openrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/schema"
)

// ResponseHealingPlugin asks OpenRouter to repair malformed JSON output.
const ResponseHealingPlugin = "response-healing"

// WeatherReportSchema describes the weather_report structured output.
var WeatherReportSchema = schema.MustParse(`{
	"type": "object",
	"properties": {
		"location":    {"type": "string", "description": "City name"},
		"temperature": {"type": "number", "description": "Temperature in Celsius"},
		"conditions":  {"type": "string", "description": "Weather conditions (e.g., Sunny, Rainy, Cloudy)"},
		"humidity":    {"type": "number", "description": "Humidity percentage (0-100)"},
		"wind_speed":  {"type": "number", "description": "Wind speed in km/h"},
		"forecast": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"day":        {"type": "string", "description": "Day of the week"},
					"high":       {"type": "number"},
					"low":        {"type": "number"},
					"conditions": {"type": "string"}
				}
			}
		}
	},
	"required": ["location", "temperature", "conditions", "humidity"],
	"additionalProperties": false
}`)

// StructuredResult is a completion parsed and checked against a schema.
type StructuredResult struct {
	Data     map[string]any
	Report   schema.Report
	Response *llm.Response
}

// CompleteStructured requests output matching s under the given name, with
// strict mode and response healing, then validates the parsed content. An
// invalid document returns the result together with a *schema.ViolationError.
func (c *Client) CompleteStructured(ctx context.Context, req *llm.Request, name string, s *schema.Schema) (*StructuredResult, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	out := req.Clone()
	out.ResponseFormat = &llm.ResponseFormat{Name: name, Strict: true, Schema: raw}
	if !lo.ContainsBy(out.Plugins, func(p llm.Plugin) bool { return p.ID == ResponseHealingPlugin }) {
		out.Plugins = append(out.Plugins, llm.Plugin{ID: ResponseHealingPlugin})
	}

	resp, err := c.Complete(withRunKind(ctx, "structured"), out)
	if err != nil {
		return nil, err
	}

	data, report := schema.ValidateJSON([]byte(resp.Message.Content), s)
	res := &StructuredResult{Data: data, Report: report, Response: resp}
	if !report.Valid {
		c.logger.Warn().Strs("errors", report.Errors).Str("schema", name).Msg("Structured output failed validation")
		return res, report.Err()
	}
	return res, nil
}
