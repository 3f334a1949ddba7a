package cascade

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/transport"
)

// Tier describes one fallback tier before it is bound to a base request.
type Tier struct {
	Label     string `yaml:"label"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`    // 0 keeps the base request's value
	URL       string `yaml:"url,omitempty"` // empty keeps the base request's endpoint

	// Header replaces the base headers when URL points elsewhere, so base
	// credentials never reach another host.
	Header http.Header `yaml:"-"`
}

// DefaultTiers is the built-in four-tier degradation chain.
var DefaultTiers = []Tier{
	{Label: "Primary (Claude 3.5 Sonnet)", Model: "anthropic/claude-3.5-sonnet"},
	{Label: "Fallback 1 (GPT-4o)", Model: "openai/gpt-4o"},
	{Label: "Fallback 2 (Gemini 2.0 Flash)", Model: "google/gemini-2.0-flash"},
	{Label: "Fallback 3 (Free model)", Model: "google/gemini-2.0-flash:free", MaxTokens: 500},
}

// TierRetry is the retry budget used for each default tier.
func TierRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = 500 * time.Millisecond
	return cfg
}

// Build binds tiers to base, rewriting the JSON body's model (and max_tokens
// when set) for each tier. base.Body must be a JSON object.
func Build(base transport.RequestSpec, tiers []Tier, cfg retry.Config) ([]Step, error) {
	steps := make([]Step, 0, len(tiers))
	for _, tier := range tiers {
		fields := map[string]any{"model": tier.Model}
		if tier.MaxTokens > 0 {
			fields["max_tokens"] = tier.MaxTokens
		}
		body, err := setFields(base.Body, fields)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier.Label, err)
		}
		req := base.WithBody(body)
		req.Label = tier.Label
		req.Model = tier.Model
		if tier.URL != "" {
			req.URL = tier.URL
			req.Header = foreignHeader(tier.Header)
		}

		label := tier.Label
		if label == "" {
			label = tier.Model
			req.Label = label
		}
		steps = append(steps, Step{Label: label, Request: req, Retry: cfg})
	}
	return steps, nil
}

// FromModels builds one step per model, labelled by model identifier. The
// first model is typically the selected primary followed by its fallbacks.
func FromModels(base transport.RequestSpec, modelIDs []string, cfg retry.Config) ([]Step, error) {
	tiers := make([]Tier, len(modelIDs))
	for i, m := range modelIDs {
		tiers[i] = Tier{Label: m, Model: m}
	}
	return Build(base, tiers, cfg)
}

// foreignHeader is the header set for a tier served outside the base endpoint.
func foreignHeader(extra http.Header) http.Header {
	h := extra.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return h
}

func setFields(body []byte, fields map[string]any) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("request body is not a JSON object: %w", err)
		}
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
