// Package ollama checks whether a local Ollama server can serve as the last
// degradation tier. Ollama exposes an OpenAI-compatible chat endpoint, so the
// tier itself goes through the regular transport.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when the server cannot be reached.
var ErrUnavailable = errors.New("ollama unavailable")

// Probe wraps an Ollama API client.
type Probe struct {
	client *api.Client
	base   *url.URL
	logger zerolog.Logger
}

// NewProbe creates a probe for host. An empty host uses OLLAMA_HOST or the
// default http://localhost:11434.
func NewProbe(host string, httpClient *http.Client, logger zerolog.Logger) (*Probe, error) {
	logger = logger.With().Str("component", "ollama").Logger()
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return &Probe{client: client, base: defaultBase(), logger: logger}, nil
	}

	base, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Probe{client: api.NewClient(base, httpClient), base: base, logger: logger}, nil
}

func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

func defaultBase() *url.URL {
	if h := os.Getenv("OLLAMA_HOST"); h != "" {
		if u, err := parseHost(h); err == nil {
			return u
		}
	}
	return &url.URL{Scheme: "http", Host: "localhost:11434"}
}

// ChatURL returns the OpenAI-compatible chat-completions endpoint.
func (p *Probe) ChatURL() string {
	return strings.TrimSuffix(p.base.String(), "/") + "/v1/chat/completions"
}

// Available reports whether the server answers and has model pulled.
// A bare model name matches its ":latest" tag.
func (p *Probe) Available(ctx context.Context, model string) (bool, error) {
	if err := p.client.Heartbeat(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("Ollama heartbeat failed")
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	list, err := p.client.List(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, m := range list.Models {
		if m.Name == model || m.Model == model || m.Name == model+":latest" {
			return true, nil
		}
	}
	p.logger.Info().Str("model", model).Int("available_count", len(list.Models)).Msg("Local model not pulled")
	return false, nil
}
