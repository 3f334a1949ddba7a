package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// RequestsTotal tracks completion HTTP requests per model and status class
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of completion requests sent",
		},
		[]string{"model", "status"},
	)

	// RequestLatency tracks completion request latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_latency_seconds",
			Help:    "Completion request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// RetriesTotal tracks retries scheduled by the retry executor
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of retries scheduled after a retryable failure",
		},
		[]string{"reason"},
	)

	// CascadeOutcomes tracks which degradation tier served or failed a request
	CascadeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cascade_outcomes_total",
			Help: "Cascade tier outcomes",
		},
		[]string{"strategy", "outcome"},
	)

	// StreamChunks tracks decoded stream chunks
	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_chunks_total",
			Help: "Total number of stream data records decoded",
		},
	)

	// StreamDecodeErrors tracks malformed stream lines that were skipped
	StreamDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_decode_errors_total",
			Help: "Total number of malformed stream lines skipped",
		},
	)

	// StreamTimeouts tracks streams aborted by their deadline
	StreamTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_timeouts_total",
			Help: "Total number of streams aborted by the overall deadline",
		},
	)

	// ToolCalls tracks tool executions per tool and result
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "result"},
	)

	// TokensTotal tracks tokens consumed per model and kind (prompt, completion)
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total tokens reported by the endpoint",
		},
		[]string{"model", "kind"},
	)
)

// Server exposes /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves in the background until Shutdown is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// StatusClass buckets an HTTP status for the status label ("2xx", "4xx", "error").
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "error"
	}
}
