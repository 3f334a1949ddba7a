package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error represents a failure reported by the completion endpoint, either as a
// non-2xx HTTP response or as an error event inside a stream.
type Error struct {
	Type        ErrorType
	Message     string
	StatusCode  int
	Code        string
	Metadata    map[string]any
	RetryAfter  *time.Duration
	ProviderErr error // Original transport-level error, if any
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuth           ErrorType = "auth"
	ErrorTypePayment        ErrorType = "payment"
	ErrorTypeForbidden      ErrorType = "forbidden"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeProvider       ErrorType = "provider"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.ProviderErr != nil {
		return msg + ": " + e.ProviderErr.Error()
	}
	return msg
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// TypeForStatus maps an HTTP status code to an ErrorType.
func TypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeInvalidRequest
	case status == http.StatusUnauthorized:
		return ErrorTypeAuth
	case status == http.StatusPaymentRequired:
		return ErrorTypePayment
	case status == http.StatusForbidden:
		return ErrorTypeForbidden
	case status == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= 500:
		return ErrorTypeProvider
	default:
		return ErrorTypeUnknown
	}
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == ErrorTypeRateLimit
	}
	return false
}

// StatusCode returns the HTTP status attached to err, or 0 if there is none.
func StatusCode(err error) int {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.StatusCode
	}
	return 0
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// ErrorEnvelope is the canonical failure body: {"error": {"message", "code", "metadata"}}.
type ErrorEnvelope struct {
	Error *ErrorBody `json:"error"`
}

// ErrorBody is the payload of an ErrorEnvelope.
type ErrorBody struct {
	Message  string          `json:"message"`
	Code     json.RawMessage `json:"code,omitempty"` // number or string depending on provider
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// NewHTTPError builds an Error for a non-2xx response. The body is parsed as an
// ErrorEnvelope when possible; otherwise the status text is used as message.
func NewHTTPError(status int, header http.Header, body []byte) *Error {
	e := &Error{
		Type:       TypeForStatus(status),
		StatusCode: status,
		Message:    http.StatusText(status),
	}
	if env, ok := ParseErrorEnvelope(body); ok {
		e.Message = env.Message
		e.Code = codeString(env.Code)
		e.Metadata = env.Metadata
	}
	if e.Message == "" {
		e.Message = "Unknown error"
	}
	if header != nil {
		if d, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			e.RetryAfter = &d
		}
	}
	return e
}

// ParseErrorEnvelope decodes data as an ErrorEnvelope. It reports false if the
// data is not JSON or carries no "error" object.
func ParseErrorEnvelope(data []byte) (*ErrorBody, bool) {
	var env ErrorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error == nil {
		return nil, false
	}
	return env.Error, true
}

// NewStreamError builds an Error from an error envelope received mid-stream.
// The envelope's code, when numeric, is used as status.
func NewStreamError(body *ErrorBody) *Error {
	code := codeString(body.Code)
	status, _ := strconv.Atoi(code)
	e := &Error{
		Type:       TypeForStatus(status),
		Message:    body.Message,
		StatusCode: status,
		Code:       code,
		Metadata:   body.Metadata,
	}
	if e.Message == "" {
		e.Message = "Unknown error"
	}
	return e
}

// Hint returns a short remediation hint for a failure status.
func Hint(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Check request structure and parameters"
	case http.StatusUnauthorized:
		return "Verify API key is valid and set correctly"
	case http.StatusPaymentRequired:
		return "Add credits to your OpenRouter account"
	case http.StatusForbidden:
		return "Check permissions and guardrails settings"
	case http.StatusTooManyRequests:
		return "Implement rate limiting, use retry logic"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "Use model fallbacks, retry with backoff"
	default:
		return "Check error message and metadata for guidance"
	}
}

func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
