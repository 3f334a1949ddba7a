package openrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/store"
)

// ErrMaxIterations is returned when the model keeps requesting tools past the
// iteration limit.
var ErrMaxIterations = errors.New("exceeded max iterations")

// ErrNoTools is returned by RunTools when the client has no tool registry.
var ErrNoTools = errors.New("no tool registry configured")

// ToolRun is the outcome of an agentic tool loop.
type ToolRun struct {
	Response   *llm.Response
	Messages   []llm.Message // full conversation including tool traffic
	Iterations int
	ToolCalls  int
}

// RunTools completes req, executing requested tools concurrently and feeding
// their results back until the model answers without tool calls.
func (c *Client) RunTools(ctx context.Context, req *llm.Request) (*ToolRun, error) {
	if c.tools == nil {
		return nil, ErrNoTools
	}
	start := time.Now()

	cur := c.withDefaultModel(req).Clone()
	cur.Tools = c.tools.Specs()
	if cur.ToolChoice == "" {
		cur.ToolChoice = "auto"
	}
	if cur.ParallelToolCalls == nil {
		parallel := true
		cur.ParallelToolCalls = &parallel
	}

	run := &ToolRun{}
	var err error
	defer func() {
		rec := store.Run{Kind: "tools", Strategy: cur.Model, Model: cur.Model, Duration: time.Since(start)}
		c.finish(ctx, &rec, run.Response, err)
	}()

	for run.Iterations < c.maxIterations {
		run.Iterations++
		var resp *llm.Response
		resp, err = c.Complete(ctx, cur)
		if err != nil {
			return nil, err
		}
		run.Response = resp
		if len(resp.Message.ToolCalls) == 0 {
			run.Messages = append(cur.Messages, resp.Message)
			return run, nil
		}

		c.logger.Debug().Int("iteration", run.Iterations).Int("tool_calls", len(resp.Message.ToolCalls)).Msg("Executing tool calls")
		var results []llm.ToolResult
		results, err = c.tools.ExecuteAll(ctx, resp.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		run.ToolCalls += len(results)
		cur.Messages = append(cur.Messages, llm.NewToolCallMessage(resp.Message.Content, resp.Message.ToolCalls))
		cur.Messages = append(cur.Messages, llm.NewToolResultMessages(results)...)
	}

	err = fmt.Errorf("%w (%d)", ErrMaxIterations, c.maxIterations)
	return nil, err
}
