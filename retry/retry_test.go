package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/llm"
)

// instantTimer fires immediately and records every requested delay.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	return t.c
}

func statusErr(status int) error {
	return &llm.Error{Type: llm.TypeForStatus(status), StatusCode: status, Message: "failure"}
}

func testConfig(timer *instantTimer) Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Timer:      timer,
	}
}

func TestComputeDelayWithoutJitter(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	for attempt := 0; attempt < 70; attempt++ {
		want := max
		if attempt < 4 {
			want = base * time.Duration(1<<attempt)
		}
		if got := ComputeDelay(attempt, base, max, false); got != want {
			t.Errorf("ComputeDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestComputeDelayWithJitter(t *testing.T) {
	base := 500 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := ComputeDelay(0, base, 10*time.Second, true)
		if got < base || got >= base+JitterRange {
			t.Fatalf("ComputeDelay with jitter = %v, want in [%v, %v)", got, base, base+JitterRange)
		}
	}
}

func TestPolicyDeterministicWithSeed(t *testing.T) {
	a := &Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5, Jitter: true, Rand: rand.New(rand.NewPCG(1, 2))}
	b := &Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5, Jitter: true, Rand: rand.New(rand.NewPCG(1, 2))}
	for i := 0; i < 4; i++ {
		if da, db := a.NextBackOff(), b.NextBackOff(); da != db {
			t.Errorf("Step %d: expected equal delays, got %v and %v", i, da, db)
		}
	}
}

func TestPolicyStopsAfterMaxAttempts(t *testing.T) {
	p := &Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 3}
	want := []time.Duration{time.Second, 2 * time.Second}
	for i, w := range want {
		if got := p.NextBackOff(); got != w {
			t.Errorf("NextBackOff #%d = %v, want %v", i, got, w)
		}
	}
	if got := p.NextBackOff(); got >= 0 {
		t.Errorf("Expected stop after last attempt, got %v", got)
	}
	p.Reset()
	if got := p.NextBackOff(); got != time.Second {
		t.Errorf("Expected reset to rewind, got %v", got)
	}
}

func TestExecuteAlwaysServerError(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	_, err := Execute(context.Background(), testConfig(timer), zerolog.Nop(), func(ctx context.Context) (string, error) {
		calls++
		return "", statusErr(500)
	})

	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Expected retries exhausted, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Errorf("Expected ExhaustedError with 3 attempts, got %v", err)
	}
	if llm.StatusCode(err) != 500 {
		t.Errorf("Expected last failure to be reachable, got status %d", llm.StatusCode(err))
	}
	if len(timer.delays) != 2 || timer.delays[0] != time.Second || timer.delays[1] != 2*time.Second {
		t.Errorf("Expected delays [1s 2s], got %v", timer.delays)
	}
}

func TestExecuteHonorsRetryAfterOnRateLimit(t *testing.T) {
	wait := 5 * time.Second
	tests := []struct {
		name   string
		status int
		want   []time.Duration
	}{
		{"rate limited", 429, []time.Duration{5 * time.Second, 2 * time.Second}},
		{"server error ignores header", 503, []time.Duration{time.Second, 2 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newInstantTimer()
			calls := 0
			_, _ = Execute(context.Background(), testConfig(timer), zerolog.Nop(), func(ctx context.Context) (string, error) {
				calls++
				if calls == 1 {
					return "", &llm.Error{Type: llm.TypeForStatus(tt.status), StatusCode: tt.status, Message: "slow down", RetryAfter: &wait}
				}
				return "", statusErr(tt.status)
			})
			if len(timer.delays) != len(tt.want) {
				t.Fatalf("Expected delays %v, got %v", tt.want, timer.delays)
			}
			for i, w := range tt.want {
				if timer.delays[i] != w {
					t.Errorf("Expected delay #%d to be %v, got %v", i, w, timer.delays[i])
				}
			}
		})
	}
}

func TestExecuteUnauthorizedIsTerminal(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	_, err := Execute(context.Background(), testConfig(timer), zerolog.Nop(), func(ctx context.Context) (string, error) {
		calls++
		return "", statusErr(401)
	})

	if calls != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", calls)
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("Expected TerminalError, got %T: %v", err, err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("Terminal failure must not report exhaustion")
	}
	if len(timer.delays) != 0 {
		t.Errorf("Expected no suspension, got %v", timer.delays)
	}
}

func TestExecuteRequestTimeoutIsRetried(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), testConfig(newInstantTimer()), zerolog.Nop(), func(ctx context.Context) (int, error) {
		calls++
		return 0, statusErr(408)
	})
	if calls != 3 || !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Expected 408 to be retried to exhaustion, got %d calls and %v", calls, err)
	}
}

func TestExecuteSucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := Execute(context.Background(), testConfig(newInstantTimer()), zerolog.Nop(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got != "ok" {
		t.Errorf("Expected ok, got %q", got)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestExecuteStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Execute(ctx, testConfig(newInstantTimer()), zerolog.Nop(), func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", statusErr(503)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
}

func TestExecuteInvalidConfig(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), Config{MaxRetries: 0}, zerolog.Nop(), func(ctx context.Context) (string, error) {
		calls++
		return "", nil
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no attempts, got %d", calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, Success},
		{"bad request", statusErr(400), TerminalFailure},
		{"payment", statusErr(402), TerminalFailure},
		{"rate limit", statusErr(429), TerminalFailure},
		{"request timeout", statusErr(408), RetryableFailure},
		{"bad gateway", statusErr(502), RetryableFailure},
		{"network", errors.New("dial tcp: refused"), RetryableFailure},
		{"deadline", context.DeadlineExceeded, RetryableFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
