// Package openrouter composes transport, retry, cascade, stream, schema and
// tools into a resilient OpenRouter chat-completion client.
package openrouter

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/cascade"
	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/llm"
	llmopenai "github.com/aschepis/backscratcher/relay/llm/openai"
	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/store"
	"github.com/aschepis/backscratcher/relay/tools"
	"github.com/aschepis/backscratcher/relay/transport"
)

// RunRecorder persists completion history. *store.Store satisfies it.
type RunRecorder interface {
	RecordRun(ctx context.Context, run store.Run) error
}

// LocalProbe reports whether a local model can serve as the last tier.
// *ollama.Probe satisfies it.
type LocalProbe interface {
	Available(ctx context.Context, model string) (bool, error)
	ChatURL() string
}

// Client is a resilient OpenRouter client. It is safe for concurrent use.
type Client struct {
	transport      *transport.Client
	header         http.Header
	completionsURL string

	requestTimeout time.Duration

	retry         retry.Config
	tiers         []cascade.Tier
	tierRetry     retry.Config
	streamTimeout time.Duration
	maxIterations int

	local      config.LocalConfig
	localProbe LocalProbe

	tools       *tools.Registry
	runs        RunRecorder
	middlewares []llm.Middleware
	completer   llm.Completer

	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTools sets the registry used by RunTools.
func WithTools(r *tools.Registry) Option {
	return func(c *Client) {
		c.tools = r
	}
}

// WithRunRecorder persists a history entry for every call.
func WithRunRecorder(r RunRecorder) Option {
	return func(c *Client) {
		c.runs = r
	}
}

// WithLocalProbe enables the local tier check used by CompleteWithFallbacks.
func WithLocalProbe(p LocalProbe) Option {
	return func(c *Client) {
		c.localProbe = p
	}
}

// WithMiddleware decorates Complete with the given hooks.
func WithMiddleware(mw ...llm.Middleware) Option {
	return func(c *Client) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithRetryTimer replaces the timer used between retry attempts. The timer
// is shared by every call, so a client using it must not be used concurrently.
func WithRetryTimer(t backoff.Timer) Option {
	return func(c *Client) {
		c.retry.Timer = t
		c.tierRetry.Timer = t
	}
}

// New validates cfg and builds a client. A missing API key yields
// config.ErrMissingAPIKey.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		header:         transport.NewHeader(cfg.OpenRouter.APIKey, cfg.OpenRouter.Referer, cfg.OpenRouter.Title),
		completionsURL: strings.TrimSuffix(cfg.OpenRouter.BaseURL, "/") + "/chat/completions",
		requestTimeout: cfg.OpenRouter.Timeout,
		retry:          cfg.Retry.Retry(),
		tiers:          cfg.Cascade.Tiers,
		tierRetry:      cfg.Cascade.Retry.Retry(),
		streamTimeout:  cfg.Stream.Timeout,
		maxIterations:  cfg.Tools.MaxIterations,
		local:          cfg.Local,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// Streams are bounded by stream.timeout; non-streamed attempts get
		// openrouter.timeout in send.
		c.httpClient = &http.Client{}
	}
	c.logger = c.logger.With().Str("component", "openrouter").Logger()
	c.transport = transport.New(c.httpClient, c.logger)
	c.completer = llm.WrapWithMiddleware(llm.CompleterFunc(c.complete), c.middlewares...)
	return c, nil
}

// spec builds the request description for req.
func (c *Client) spec(req *llm.Request, stream bool) (transport.RequestSpec, error) {
	body, err := llmopenai.MarshalRequest(req, stream)
	if err != nil {
		return transport.RequestSpec{}, err
	}
	return transport.RequestSpec{
		Label:  req.Model,
		Model:  req.Model,
		URL:    c.completionsURL,
		Header: c.header,
		Body:   body,
		Stream: stream,
	}, nil
}

// withDefaultModel fills an empty model with the primary tier's.
func (c *Client) withDefaultModel(req *llm.Request) *llm.Request {
	if req.Model != "" {
		return req
	}
	out := req.Clone()
	out.Model = c.tiers[0].Model
	return out
}

// send issues one non-streamed attempt bounded by the request timeout.
func (c *Client) send(ctx context.Context, spec transport.RequestSpec) (*llm.Response, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	resp, err := c.transport.Send(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return llmopenai.UnmarshalResponse(data)
}

// Complete issues req with retry and backoff.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.completer.Complete(ctx, req)
}

func (c *Client) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	req = c.withDefaultModel(req)
	spec, err := c.spec(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := retry.Execute(ctx, c.retry, c.logger, func(ctx context.Context) (*llm.Response, error) {
		return c.send(ctx, spec)
	})
	run := store.Run{Kind: runKind(ctx), Strategy: req.Model, Model: req.Model, Duration: time.Since(start)}
	c.finish(ctx, &run, resp, err)
	return resp, err
}

type runKindKey struct{}

// withRunKind labels the history entry recorded by complete.
func withRunKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, runKindKey{}, kind)
}

func runKind(ctx context.Context) string {
	if kind, ok := ctx.Value(runKindKey{}).(string); ok {
		return kind
	}
	return "complete"
}

// finish records metrics and history for a completed call.
func (c *Client) finish(ctx context.Context, run *store.Run, resp *llm.Response, err error) {
	if resp != nil {
		if resp.Model != "" {
			run.Model = resp.Model
		}
		run.FinishReason = resp.FinishReason
		run.PromptTokens = resp.Usage.PromptTokens
		run.CompletionTokens = resp.Usage.CompletionTokens
		run.TotalTokens = resp.Usage.TotalTokens
	}
	c.record(ctx, run, err)
}

func (c *Client) record(ctx context.Context, run *store.Run, err error) {
	if err != nil {
		run.Error = err.Error()
	} else {
		metrics.TokensTotal.WithLabelValues(run.Model, "prompt").Add(float64(run.PromptTokens))
		metrics.TokensTotal.WithLabelValues(run.Model, "completion").Add(float64(run.CompletionTokens))
	}
	if c.runs == nil {
		return
	}
	run.ID = uuid.NewString()
	// History must survive a cancelled call context.
	if recErr := c.runs.RecordRun(context.WithoutCancel(ctx), *run); recErr != nil {
		c.logger.Warn().Err(recErr).Str("kind", run.Kind).Msg("Failed to record run")
	}
}
