// Package openai probes the OpenAI API for health and turns prompts into
// embedding vectors for the semantic cache.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	providerName          = "openai"
)

type Provider struct {
	name           string
	apiKey         string
	baseURL        string
	embeddingModel string
	client         openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithEmbeddingModel overrides the model used by Embed.
func WithEmbeddingModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.embeddingModel = m
		}
	}
}

// WithName reports the provider under another name, e.g. for an
// OpenAI-compatible endpoint registered in the catalog.
func WithName(n string) Option {
	return func(p *Provider) {
		if n != "" {
			p.name = n
		}
	}
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:           providerName,
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		embeddingModel: defaultEmbeddingModel,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	// Probes and cache lookups have their own fallbacks; retrying here only
	// delays them.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return p.name }

// HealthCheck lists the models available to the key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("openai: no API key configured")
	}
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// Embed implements semcache.Embedder.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(p.embeddingModel),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", toProviderError(err))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: embed: empty response")
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
