// Package cascade tries an ordered list of request variants, each with its own
// retry budget, and returns the first that succeeds.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/transport"
)

// ErrNoStrategies is returned when Execute is called with no steps.
var ErrNoStrategies = errors.New("no strategies configured")

// Step is one tier of the fallback chain.
type Step struct {
	Label   string
	Request transport.RequestSpec
	Retry   retry.Config
}

// StepFailure records why a tier failed.
type StepFailure struct {
	Label string
	Err   error
}

// AllStrategiesFailedError lists every tier's failure in step order.
type AllStrategiesFailedError struct {
	Failures []StepFailure
}

func (e *AllStrategiesFailedError) Error() string {
	var b strings.Builder
	b.WriteString("all degradation strategies failed")
	for i, f := range e.Failures {
		fmt.Fprintf(&b, "; %d) %s: %v", i+1, f.Label, f.Err)
	}
	return b.String()
}

// Unwrap exposes each tier's error to errors.Is and errors.As.
func (e *AllStrategiesFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Result is the value produced by the tier that succeeded.
type Result[T any] struct {
	Value    T
	Label    string
	Index    int
	Failures []StepFailure // earlier tiers that failed, in order
}

// SendFunc issues one attempt for a tier's request.
type SendFunc[T any] func(ctx context.Context, req transport.RequestSpec) (T, error)

// Execute runs steps strictly in order. Each step is retried according to its
// own config; the first success short-circuits the rest. Cancellation of ctx
// aborts the cascade and is returned as is.
func Execute[T any](ctx context.Context, steps []Step, send SendFunc[T], logger zerolog.Logger) (*Result[T], error) {
	if len(steps) == 0 {
		return nil, ErrNoStrategies
	}
	logger = logger.With().Str("component", "cascade").Logger()

	var failures []StepFailure
	for i, step := range steps {
		stepLogger := logger.With().Str("strategy", step.Label).Int("tier", i).Logger()
		stepLogger.Debug().Str("model", step.Request.Model).Msg("Trying strategy")

		v, err := retry.Execute(ctx, step.Retry, stepLogger, func(ctx context.Context) (T, error) {
			return send(ctx, step.Request)
		})
		if err == nil {
			metrics.CascadeOutcomes.WithLabelValues(step.Label, "success").Inc()
			if i > 0 {
				stepLogger.Info().Int("failed_tiers", len(failures)).Msg("Served by fallback strategy")
			}
			return &Result[T]{Value: v, Label: step.Label, Index: i, Failures: failures}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		metrics.CascadeOutcomes.WithLabelValues(step.Label, "failure").Inc()
		stepLogger.Warn().Err(err).Msg("Strategy failed")
		failures = append(failures, StepFailure{Label: step.Label, Err: err})
	}

	return nil, &AllStrategiesFailedError{Failures: failures}
}
