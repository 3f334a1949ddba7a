// Package transport issues chat-completion HTTP requests and turns non-2xx
// responses into *llm.Error values parsed from the failure envelope.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
)

// maxErrorBody bounds how much of a failure response is read for the envelope.
const maxErrorBody = 64 << 10

// RequestSpec is an immutable description of one completion attempt.
type RequestSpec struct {
	Label  string // human-readable name, used for strategy naming
	Model  string // model the body targets, for logs and metrics
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// WithHeader returns a copy of s with key set to value.
func (s RequestSpec) WithHeader(key, value string) RequestSpec {
	h := s.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	s.Header = h
	return s
}

// WithBody returns a copy of s with body replaced.
func (s RequestSpec) WithBody(body []byte) RequestSpec {
	s.Body = append([]byte(nil), body...)
	return s
}

// NewHeader builds the standard headers for an authenticated JSON request.
// referer and title are optional attribution headers.
func NewHeader(apiKey, referer, title string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("Content-Type", "application/json")
	if referer != "" {
		h.Set("HTTP-Referer", referer)
	}
	if title != "" {
		h.Set("X-Title", title)
	}
	return h
}

// Response is a 2xx response. The caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client sends RequestSpecs over HTTP.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a transport client. A nil httpClient uses a client without an
// overall timeout; deadlines come from the request context.
func New(httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "transport").Logger(),
	}
}

// Send POSTs the request. Network failures are returned wrapped; non-2xx
// responses are returned as *llm.Error with the body already consumed.
func (c *Client) Send(ctx context.Context, spec RequestSpec) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if spec.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RequestLatency.WithLabelValues(spec.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(spec.Model, metrics.StatusClass(0)).Inc()
		return nil, fmt.Errorf("request to %s failed: %w", spec.URL, err)
	}
	metrics.RequestsTotal.WithLabelValues(spec.Model, metrics.StatusClass(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := llm.NewHTTPError(resp.StatusCode, resp.Header, body)
		c.logger.Debug().
			Str("label", spec.Label).
			Str("model", spec.Model).
			Int("status", resp.StatusCode).
			Str("error", apiErr.Message).
			Msg("Completion request rejected")
		return nil, apiErr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// SendJSON sends the request and decodes a 2xx body into out.
func (c *Client) SendJSON(ctx context.Context, spec RequestSpec, out any) error {
	resp, err := c.Send(ctx, spec)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Opener returns a function that sends spec and yields the response body,
// suitable for handing to a stream consumer.
func (c *Client) Opener(spec RequestSpec) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := c.Send(ctx, spec)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
}
