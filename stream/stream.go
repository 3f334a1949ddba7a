// Package stream consumes a server-sent-event chat-completion stream under a
// single overall deadline.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
)

// ErrStreamTimeout is returned when the overall deadline fires before the
// stream ends. Content received so far is not part of the error.
var ErrStreamTimeout = errors.New("stream timed out")

// DefaultTimeout is the overall deadline used when none is configured.
const DefaultTimeout = 60 * time.Second

const defaultChunkSize = 4096

// OpenFunc issues the streaming request and returns its body. It receives the
// deadline-bound context.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Result is the accumulated outcome of a stream.
type Result struct {
	ID               string
	Model            string
	Content          string
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	FinishReason     string // empty when never reported
	ToolCalls        []llm.ToolCall
	Done             bool // [DONE] was received
	Chunks           int
	DecodeErrors     []*DecodeError
}

type options struct {
	logger    zerolog.Logger
	onDelta   func(Delta)
	chunkSize int
}

// Option configures Consume.
type Option func(*options)

// WithLogger sets the logger used for decode errors and timeouts.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDeltaHandler observes every decoded delta as it arrives. It runs on the
// consuming goroutine and must not block.
func WithDeltaHandler(h func(Delta)) Option {
	return func(o *options) {
		o.onDelta = h
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

// Consume arms a deadline of timeout, opens the stream, and reads it to the
// end. It never blocks past the deadline: on expiry the body is closed and
// ErrStreamTimeout returned. Cancellation of ctx is returned as ctx's error.
func Consume(ctx context.Context, open OpenFunc, timeout time.Duration, opts ...Option) (*Result, error) {
	o := options{logger: zerolog.Nop(), chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := o.logger.With().Str("component", "stream").Logger()

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrStreamTimeout)
	defer cancel()

	body, err := open(ctx)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrStreamTimeout) {
			return nil, timeoutError(logger, timeout)
		}
		return nil, err
	}
	defer body.Close()

	state := NewState()
	state.onDelta = o.onDelta
	state.onDecode = func(de *DecodeError) {
		metrics.StreamDecodeErrors.Inc()
		logger.Warn().Err(de.Err).Str("line", de.Line).Msg("Skipping malformed stream line")
	}

	done := make(chan struct{})
	defer close(done)
	chunks := make(chan readResult)
	go func() {
		for {
			buf := make([]byte, o.chunkSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case chunks <- readResult{data: buf[:n]}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case chunks <- readResult{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = body.Close()
			if errors.Is(context.Cause(ctx), ErrStreamTimeout) {
				return nil, timeoutError(logger, timeout)
			}
			return nil, ctx.Err()
		case r := <-chunks:
			if r.err != nil {
				if !errors.Is(r.err, io.EOF) {
					if ctx.Err() != nil {
						continue
					}
					return nil, fmt.Errorf("stream read failed: %w", r.err)
				}
				if err := state.Finish(); err != nil {
					return nil, err
				}
				res := state.Result()
				metrics.StreamChunks.Add(float64(res.Chunks))
				logger.Debug().
					Int("chunks", res.Chunks).
					Bool("done", res.Done).
					Str("finish_reason", res.FinishReason).
					Int("decode_errors", len(res.DecodeErrors)).
					Msg("Stream complete")
				return res, nil
			}
			if err := state.Feed(r.data); err != nil {
				logger.Warn().Err(err).Msg("Stream carried an error record")
				return nil, err
			}
		}
	}
}

func timeoutError(logger zerolog.Logger, timeout time.Duration) error {
	metrics.StreamTimeouts.Inc()
	logger.Warn().Dur("timeout", timeout).Msg("Stream deadline exceeded")
	return fmt.Errorf("%w after %s", ErrStreamTimeout, timeout)
}
