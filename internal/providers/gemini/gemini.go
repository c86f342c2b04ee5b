// Package gemini probes the Google Gemini API and generates embeddings with
// it for the semantic cache.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultEmbeddingModel = "gemini-embedding-001"
	providerName          = "gemini"
)

// Provider implements providers.Prober and semcache.Embedder for Google
// Gemini (official GenAI SDK).
type Provider struct {
	apiKey         string
	baseURL        string
	embeddingModel string
	client         *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
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

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		embeddingModel: defaultEmbeddingModel,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Embed implements semcache.Embedder.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}
	return resp.Embeddings[0].Values, nil
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
