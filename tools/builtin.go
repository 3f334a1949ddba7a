package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/store"
	"github.com/aschepis/backscratcher/relay/tools/schemas"
)

// RecordSearcher backs the search_database tool. *store.Store satisfies it.
type RecordSearcher interface {
	SearchRecords(ctx context.Context, query string, limit int) ([]store.Record, error)
}

func spec(name string) llm.ToolSpec {
	s := schemas.All()[name]
	return llm.ToolSpec{Name: name, Description: s.Description, Parameters: s.Schema}
}

// RegisterBuiltins registers get_weather, calculate and, when searcher is
// non-nil, search_database.
func (r *Registry) RegisterBuiltins(searcher RecordSearcher) {
	r.logger.Info().Bool("search_database", searcher != nil).Msg("Registering built-in tools")

	r.Register(spec("get_weather"), func(ctx context.Context, args json.RawMessage) (any, error) {
		var payload struct {
			Location string `json:"location"`
			Unit     string `json:"unit"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if strings.TrimSpace(payload.Location) == "" {
			return nil, fmt.Errorf("location cannot be empty")
		}
		temperature := 22
		if payload.Unit == "fahrenheit" {
			temperature = 72
		}
		return map[string]any{
			"location":    payload.Location,
			"temperature": temperature,
			"conditions":  "Sunny",
			"humidity":    45,
		}, nil
	})

	r.Register(spec("calculate"), func(ctx context.Context, args json.RawMessage) (any, error) {
		var payload struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		result, err := Evaluate(payload.Expression)
		if err != nil {
			r.logger.Debug().Str("expression", payload.Expression).Err(err).Msg("Expression evaluation failed")
			return map[string]any{"error": "Invalid expression", "expression": payload.Expression}, nil
		}
		return map[string]any{"expression": payload.Expression, "result": result}, nil
	})

	if searcher == nil {
		return
	}
	r.Register(spec("search_database"), func(ctx context.Context, args json.RawMessage) (any, error) {
		var payload struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		if payload.Limit <= 0 {
			payload.Limit = 10
		}
		records, err := searcher.SearchRecords(ctx, payload.Query, payload.Limit)
		if err != nil {
			return nil, err
		}
		results := make([]map[string]any, len(records))
		for i, rec := range records {
			results[i] = map[string]any{"id": rec.ID, "title": rec.Title}
		}
		return map[string]any{"query": payload.Query, "results": results}, nil
	})
}
