package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/transport"
)

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func fastRetry(tries int) retry.Config {
	return retry.Config{
		MaxRetries: tries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Timer:      &instantTimer{c: make(chan time.Time, 1)},
	}
}

func statusErr(status int) error {
	return &llm.Error{Type: llm.TypeForStatus(status), StatusCode: status, Message: "failure"}
}

func step(label string, tries int) Step {
	return Step{Label: label, Request: transport.RequestSpec{Label: label}, Retry: fastRetry(tries)}
}

func TestExecuteFallsThroughTerminalFailure(t *testing.T) {
	calls := map[string]int{}
	steps := []Step{step("A", 3), step("B", 3)}

	res, err := Execute(context.Background(), steps, func(ctx context.Context, req transport.RequestSpec) (string, error) {
		calls[req.Label]++
		if req.Label == "A" {
			return "", statusErr(400)
		}
		return "served", nil
	}, zerolog.Nop())

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if res.Label != "B" || res.Index != 1 || res.Value != "served" {
		t.Errorf("Expected result from B, got %+v", res)
	}
	if calls["A"] != 1 {
		t.Errorf("Expected A to be attempted exactly once, got %d", calls["A"])
	}
	if len(res.Failures) != 1 || res.Failures[0].Label != "A" {
		t.Errorf("Expected A recorded as failed tier, got %+v", res.Failures)
	}
}

func TestExecuteAllFail(t *testing.T) {
	steps := []Step{step("first", 2), step("second", 1), step("third", 2)}
	var order []string

	_, err := Execute(context.Background(), steps, func(ctx context.Context, req transport.RequestSpec) (int, error) {
		order = append(order, req.Label)
		switch req.Label {
		case "second":
			return 0, statusErr(402)
		default:
			return 0, statusErr(503)
		}
	}, zerolog.Nop())

	var all *AllStrategiesFailedError
	if !errors.As(err, &all) {
		t.Fatalf("Expected AllStrategiesFailedError, got %T: %v", err, err)
	}
	if len(all.Failures) != 3 {
		t.Fatalf("Expected 3 failures, got %d", len(all.Failures))
	}
	for i, label := range []string{"first", "second", "third"} {
		if all.Failures[i].Label != label {
			t.Errorf("Failure %d: expected %q, got %q", i, label, all.Failures[i].Label)
		}
	}
	if !errors.Is(all.Failures[0].Err, retry.ErrRetriesExhausted) {
		t.Errorf("Expected first tier to be exhausted, got %v", all.Failures[0].Err)
	}
	var terminal *retry.TerminalError
	if !errors.As(all.Failures[1].Err, &terminal) {
		t.Errorf("Expected second tier to be terminal, got %v", all.Failures[1].Err)
	}
	if want := []string{"first", "first", "second", "third", "third"}; strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Expected attempt order %v, got %v", want, order)
	}
	if !strings.Contains(err.Error(), "2) second") {
		t.Errorf("Expected error string to list every tier, got %q", err.Error())
	}
}

func TestExecuteNoSteps(t *testing.T) {
	_, err := Execute(context.Background(), nil, func(ctx context.Context, req transport.RequestSpec) (int, error) {
		t.Fatal("send must not be called")
		return 0, nil
	}, zerolog.Nop())
	if !errors.Is(err, ErrNoStrategies) {
		t.Errorf("Expected ErrNoStrategies, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Execute(ctx, []Step{step("A", 1), step("B", 1)}, func(ctx context.Context, req transport.RequestSpec) (int, error) {
		calls++
		cancel()
		return 0, statusErr(500)
	}, zerolog.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected cascade to stop after cancellation, got %d calls", calls)
	}
}

func TestBuildRewritesModel(t *testing.T) {
	base := transport.RequestSpec{URL: "http://example", Body: []byte(`{"model":"x","max_tokens":1000,"messages":[]}`)}
	steps, err := Build(base, DefaultTiers, TierRetry())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("Expected 4 steps, got %d", len(steps))
	}
	for i, s := range steps {
		var body map[string]any
		if err := json.Unmarshal(s.Request.Body, &body); err != nil {
			t.Fatalf("Step %d body invalid: %v", i, err)
		}
		if body["model"] != DefaultTiers[i].Model {
			t.Errorf("Step %d: expected model %q, got %v", i, DefaultTiers[i].Model, body["model"])
		}
		wantTokens := 1000.0
		if i == 3 {
			wantTokens = 500
		}
		if body["max_tokens"] != wantTokens {
			t.Errorf("Step %d: expected max_tokens %v, got %v", i, wantTokens, body["max_tokens"])
		}
		if s.Retry.MaxRetries != 2 || s.Retry.BaseDelay != 500*time.Millisecond {
			t.Errorf("Step %d: unexpected retry config %+v", i, s.Retry)
		}
	}
	if !strings.Contains(string(base.Body), `"model":"x"`) {
		t.Error("Expected base body to be unchanged")
	}
}

func TestBuildOtherEndpointDropsBaseHeaders(t *testing.T) {
	base := transport.RequestSpec{
		URL:    "https://openrouter.ai/api/v1/chat/completions",
		Header: transport.NewHeader("secret", "https://example.com", "relay"),
		Body:   []byte(`{"model":"x"}`),
	}
	tiers := []Tier{
		{Label: "Remote", Model: "openai/gpt-4o"},
		{Label: "Local", Model: "llama3.2:3b", URL: "http://ollama:11434/v1/chat/completions"},
	}
	steps, err := Build(base, tiers, TierRetry())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := steps[0].Request.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Expected base tier to keep Authorization, got %q", got)
	}
	local := steps[1].Request
	if local.URL != tiers[1].URL {
		t.Errorf("Expected local URL %q, got %q", tiers[1].URL, local.URL)
	}
	for _, h := range []string{"Authorization", "HTTP-Referer", "X-Title"} {
		if v := local.Header.Get(h); v != "" {
			t.Errorf("Expected %s to be dropped for another endpoint, got %q", h, v)
		}
	}
	if local.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", local.Header.Get("Content-Type"))
	}
	if base.Header.Get("Authorization") != "Bearer secret" {
		t.Error("Expected base header to be unchanged")
	}
}

func TestFromModelsRejectsNonObjectBody(t *testing.T) {
	if _, err := FromModels(transport.RequestSpec{Body: []byte(`[1,2]`)}, []string{"a"}, TierRetry()); err == nil {
		t.Error("Expected error for non-object body")
	}
	steps, err := FromModels(transport.RequestSpec{Body: []byte(`{}`)}, []string{"a", "b"}, TierRetry())
	if err != nil {
		t.Fatalf("FromModels failed: %v", err)
	}
	if steps[1].Label != "b" || steps[1].Request.Model != "b" {
		t.Errorf("Expected step labelled by model, got %+v", steps[1])
	}
}
