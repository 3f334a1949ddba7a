package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aschepis/backscratcher/relay/llm"
)

// ErrRetriesExhausted is matched by errors.Is for every *ExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrInvalidConfig is returned when a Config cannot drive any attempt.
var ErrInvalidConfig = errors.New("invalid retry config")

// Outcome classifies the result of one attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case TerminalFailure:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps an attempt error to an Outcome. Endpoint errors with a 4xx
// status other than 408 are terminal. Every other failure, including network
// errors, timeouts and undecodable bodies, is retryable.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var apiErr *llm.Error
	if errors.As(err, &apiErr) {
		s := apiErr.StatusCode
		if s >= 400 && s < 500 && s != http.StatusRequestTimeout {
			return TerminalFailure
		}
	}
	return RetryableFailure
}

// reason labels a retryable failure for metrics and logs.
func reason(err error) string {
	var apiErr *llm.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode != 0:
		return fmt.Sprintf("status_%d", apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

// TerminalError reports a failure that was not retried.
type TerminalError struct {
	Attempt int // 1-based attempt that failed
	Err     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal failure on attempt %d: %v", e.Attempt, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// ExhaustedError reports that every allowed attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is reports ErrRetriesExhausted as a match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}
