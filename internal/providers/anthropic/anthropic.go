// Package anthropic probes the Anthropic API on behalf of the health checker.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	providerName   = "anthropic"
)

// Provider implements providers.Prober for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

// HealthCheck lists a single model to verify connectivity and the key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("anthropic: no API key configured")
	}
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
