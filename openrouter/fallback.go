package openrouter

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/relay/cascade"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/models"
	"github.com/aschepis/backscratcher/relay/store"
	"github.com/aschepis/backscratcher/relay/transport"
)

// Result is the outcome of a cascaded completion.
type Result struct {
	Response    *llm.Response
	Content     string
	TotalTokens int
	Strategy    string // label of the tier that succeeded
	Model       string
	Failures    []cascade.StepFailure // tiers tried before Strategy
}

// CompleteWithFallbacks walks the configured degradation tiers in order and
// returns the first success. When every tier fails the error is a
// *cascade.AllStrategiesFailedError.
func (c *Client) CompleteWithFallbacks(ctx context.Context, req *llm.Request) (*Result, error) {
	tiers := append([]cascade.Tier(nil), c.tiers...)
	if tier, ok := c.localTier(ctx); ok {
		tiers = append(tiers, tier)
	}
	return c.runCascade(ctx, "fallback", req, func(base transport.RequestSpec) ([]cascade.Step, error) {
		return cascade.Build(base, tiers, c.tierRetry)
	})
}

// CompleteWithModelChain tries req.Model followed by its known fallback
// models, one tier per model.
func (c *Client) CompleteWithModelChain(ctx context.Context, req *llm.Request) (*Result, error) {
	req = c.withDefaultModel(req)
	chain := models.Chain(req.Model)
	return c.runCascade(ctx, "chain", req, func(base transport.RequestSpec) ([]cascade.Step, error) {
		return cascade.FromModels(base, chain, c.tierRetry)
	})
}

func (c *Client) runCascade(ctx context.Context, kind string, req *llm.Request, build func(transport.RequestSpec) ([]cascade.Step, error)) (*Result, error) {
	start := time.Now()
	base, err := c.spec(c.withDefaultModel(req), false)
	if err != nil {
		return nil, err
	}
	steps, err := build(base)
	if err != nil {
		return nil, err
	}

	res, err := cascade.Execute[*llm.Response](ctx, steps, c.send, c.logger)
	run := store.Run{Kind: kind, Duration: time.Since(start)}
	if err != nil {
		run.FailedTiers = len(steps)
		c.record(ctx, &run, err)
		return nil, err
	}

	tierModel := steps[res.Index].Request.Model
	run.Strategy = res.Label
	run.Model = tierModel
	run.FailedTiers = len(res.Failures)
	c.finish(ctx, &run, res.Value, nil)

	if len(res.Failures) > 0 {
		c.logger.Info().Str("strategy", res.Label).Int("failed_tiers", len(res.Failures)).Msg("Served by fallback strategy")
	}
	return &Result{
		Response:    res.Value,
		Content:     res.Value.Message.Content,
		TotalTokens: res.Value.Usage.TotalTokens,
		Strategy:    res.Label,
		Model:       tierModel,
		Failures:    res.Failures,
	}, nil
}

// localTier returns the Ollama tier when it is enabled and the model is
// pulled. Probe failures only drop the tier.
func (c *Client) localTier(ctx context.Context) (cascade.Tier, bool) {
	if !c.local.Enabled || c.localProbe == nil {
		return cascade.Tier{}, false
	}
	ok, err := c.localProbe.Available(ctx, c.local.Model)
	if err != nil || !ok {
		c.logger.Debug().Err(err).Str("model", c.local.Model).Msg("Local tier unavailable")
		return cascade.Tier{}, false
	}
	return cascade.Tier{
		Label:     "Local (" + c.local.Model + ")",
		Model:     c.local.Model,
		MaxTokens: c.local.MaxTokens,
		URL:       c.localProbe.ChatURL(),
	}, true
}
