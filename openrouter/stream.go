package openrouter

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/store"
	"github.com/aschepis/backscratcher/relay/stream"
)

// Stream issues req as a streamed completion and consumes it under the
// configured overall deadline. onDelta, when non-nil, observes content as it
// arrives, including content received before a timeout.
func (c *Client) Stream(ctx context.Context, req *llm.Request, onDelta func(stream.Delta)) (*stream.Result, error) {
	start := time.Now()
	req = c.withDefaultModel(req)
	spec, err := c.spec(req, true)
	if err != nil {
		return nil, err
	}

	opts := []stream.Option{stream.WithLogger(c.logger)}
	if onDelta != nil {
		opts = append(opts, stream.WithDeltaHandler(onDelta))
	}
	res, err := stream.Consume(ctx, c.transport.Opener(spec), c.streamTimeout, opts...)

	run := store.Run{Kind: "stream", Strategy: req.Model, Model: req.Model, Duration: time.Since(start)}
	if res != nil {
		if res.Model != "" {
			run.Model = res.Model
		}
		run.FinishReason = res.FinishReason
		run.PromptTokens = res.PromptTokens
		run.CompletionTokens = res.CompletionTokens
		run.TotalTokens = res.TotalTokens
	}
	c.record(ctx, &run, err)
	return res, err
}
