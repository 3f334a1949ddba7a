// Package retry runs a request-issuing operation with exponential backoff,
// stopping early on terminal failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
)

// Config holds the per-invocation retry parameters.
type Config struct {
	MaxRetries int           `yaml:"max_retries"` // total tries, not additional retries
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     bool          `yaml:"jitter"`

	// Rand seeds jitter. Nil uses the global source.
	Rand *rand.Rand `yaml:"-"`
	// Timer suspends between attempts. Nil uses a real timer.
	Timer backoff.Timer `yaml:"-"`
}

// DefaultConfig returns 3 tries, 1s base delay, 10s cap, jitter on.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Jitter:     true,
	}
}

// Validate checks that the config allows at least one attempt.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("%w: max_delay %s is below base_delay %s", ErrInvalidConfig, c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Policy returns a fresh backoff policy for one invocation.
func (c Config) Policy() *Policy {
	return &Policy{
		Base:        c.BaseDelay,
		Max:         c.MaxDelay,
		MaxAttempts: c.MaxRetries,
		Jitter:      c.Jitter,
		Rand:        c.Rand,
	}
}

// Execute calls attempt until it succeeds, fails terminally, or MaxRetries
// tries have been made. It returns the value of the successful attempt, a
// *TerminalError, an *ExhaustedError, or the context's error if ctx ends.
func Execute[T any](ctx context.Context, cfg Config, logger zerolog.Logger, attempt func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, err
	}

	policy := cfg.Policy()
	attempts := 0
	var last error
	op := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, backoff.Permanent(ctxErr)
		}
		if Classify(err) == TerminalFailure {
			logger.Debug().Err(err).Int("attempt", attempts).Msg("Terminal failure, not retrying")
			return zero, backoff.Permanent(&TerminalError{Attempt: attempts, Err: err})
		}
		if llm.IsRateLimitError(err) {
			if d := llm.ExtractRetryAfter(err); d != nil {
				policy.WaitAtLeast(*d)
			}
		}
		return zero, err
	}
	notify := func(err error, delay time.Duration) {
		r := reason(err)
		metrics.RetriesTotal.WithLabelValues(r).Inc()
		logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", cfg.MaxRetries).
			Str("reason", r).
			Dur("delay", delay).
			Msg("Attempt failed, retrying")
	}

	result, err := backoff.RetryNotifyWithTimerAndData[T](op, backoff.WithContext(policy, ctx), notify, cfg.Timer)
	if err == nil {
		return result, nil
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return zero, terminal
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	logger.Warn().Err(last).Int("attempts", attempts).Msg("Retries exhausted")
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
