package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aschepis/backscratcher/relay/cascade"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/retry"
)

func TestFailureHint(t *testing.T) {
	payment := &llm.Error{Type: llm.ErrorTypePayment, StatusCode: 402, Message: "Insufficient credits"}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"local error", errors.New("failed to open store"), ""},
		{"direct", payment, "Add credits to your OpenRouter account"},
		{"wrapped by retry", &retry.TerminalError{Attempt: 1, Err: payment}, "Add credits to your OpenRouter account"},
		{"cascade", &cascade.AllStrategiesFailedError{Failures: []cascade.StepFailure{
			{Label: "Primary", Err: fmt.Errorf("send: %w", &llm.Error{StatusCode: 503, Message: "down"})},
		}}, "Use model fallbacks, retry with backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureHint(tt.err); got != tt.want {
				t.Errorf("Expected hint %q, got %q", tt.want, got)
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest("hello", "be brief", "", "", "", "", false)
	if req.Model != "" || req.System != "be brief" || len(req.Messages) != 1 {
		t.Errorf("Expected plain request, got %+v", req)
	}

	req = buildRequest("hello", "", "", "coding", "speed", "", false)
	if req.Model == "" || len(req.Models) == 0 {
		t.Errorf("Expected selected model with fallbacks, got %+v", req)
	}

	req = buildRequest("hello", "", "openai/gpt-4o", "coding", "", "", false)
	if req.Model != "openai/gpt-4o" {
		t.Errorf("Expected explicit model to win, got %q", req.Model)
	}
}
