package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestTypeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{400, ErrorTypeInvalidRequest},
		{401, ErrorTypeAuth},
		{402, ErrorTypePayment},
		{403, ErrorTypeForbidden},
		{408, ErrorTypeTimeout},
		{429, ErrorTypeRateLimit},
		{500, ErrorTypeProvider},
		{503, ErrorTypeProvider},
		{418, ErrorTypeUnknown},
	}
	for _, tt := range tests {
		if got := TypeForStatus(tt.status); got != tt.want {
			t.Errorf("TypeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNewHTTPErrorParsesEnvelope(t *testing.T) {
	body := []byte(`{"error":{"message":"Insufficient credits","code":402,"metadata":{"provider_name":"openai"}}}`)
	header := http.Header{}
	header.Set("Retry-After", "7")

	err := NewHTTPError(http.StatusPaymentRequired, header, body)
	if err.Message != "Insufficient credits" {
		t.Errorf("Expected envelope message, got %q", err.Message)
	}
	if err.Code != "402" {
		t.Errorf("Expected code 402, got %q", err.Code)
	}
	if err.Type != ErrorTypePayment {
		t.Errorf("Expected payment type, got %q", err.Type)
	}
	if err.Metadata["provider_name"] != "openai" {
		t.Errorf("Expected metadata to be preserved, got %v", err.Metadata)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 7*time.Second {
		t.Errorf("Expected retry after 7s, got %v", err.RetryAfter)
	}
}

func TestNewHTTPErrorFallsBackToStatusText(t *testing.T) {
	err := NewHTTPError(http.StatusBadGateway, nil, []byte("<html>bad gateway</html>"))
	if err.Message != "Bad Gateway" {
		t.Errorf("Expected status text, got %q", err.Message)
	}
	if err.Error() != "Bad Gateway (status 502)" {
		t.Errorf("Unexpected error string %q", err.Error())
	}
}

func TestNewStreamError(t *testing.T) {
	body, ok := ParseErrorEnvelope([]byte(`{"error":{"message":"Provider disconnected","code":"502"}}`))
	if !ok {
		t.Fatal("Expected envelope to parse")
	}
	err := NewStreamError(body)
	if err.StatusCode != 502 {
		t.Errorf("Expected status 502, got %d", err.StatusCode)
	}
	if err.Type != ErrorTypeProvider {
		t.Errorf("Expected provider type, got %q", err.Type)
	}

	if _, ok := ParseErrorEnvelope([]byte(`{"choices":[]}`)); ok {
		t.Error("Expected chunk without error object to be rejected")
	}
}

func TestErrorHelpers(t *testing.T) {
	retryAfter := 5 * time.Minute
	err := &Error{Type: ErrorTypeRateLimit, StatusCode: 429, Message: "slow down", RetryAfter: &retryAfter}
	wrapped := errors.Join(errors.New("context"), err)

	if !IsRateLimitError(wrapped) {
		t.Error("Expected IsRateLimitError to see through wrapping")
	}
	if StatusCode(wrapped) != 429 {
		t.Errorf("Expected status 429, got %d", StatusCode(wrapped))
	}
	if got := ExtractRetryAfter(wrapped); got == nil || *got != retryAfter {
		t.Errorf("Expected retry after %v, got %v", retryAfter, got)
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Error("Expected zero status for plain error")
	}
}

func TestErrorUnwrap(t *testing.T) {
	originalErr := errors.New("connection reset")
	err := &Error{Type: ErrorTypeProvider, Message: "transport", ProviderErr: originalErr}
	if !errors.Is(err, originalErr) {
		t.Error("Expected error to unwrap to original error")
	}
}

func TestHint(t *testing.T) {
	if Hint(402) != "Add credits to your OpenRouter account" {
		t.Errorf("Unexpected hint for 402: %q", Hint(402))
	}
	if Hint(502) != Hint(503) {
		t.Error("Expected 502 and 503 to share a hint")
	}
	if Hint(418) != "Check error message and metadata for guidance" {
		t.Errorf("Unexpected default hint: %q", Hint(418))
	}
}
