package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- helpers ---

func newTestProvider(t *testing.T, srv *httptest.Server, opts ...Option) *Provider {
	t.Helper()
	// The base URL carries the API version segment so splitBaseURLAndVersion
	// can extract it.
	p, err := New(context.Background(), "mock-api-key", append([]Option{WithBaseURL(srv.URL + "/v1beta")}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func requireProviderError(t *testing.T, err error, wantStatus int) *ProviderError {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d", wantStatus, pe.StatusCode)
	}
	return pe
}

// --- tests ---

func TestProvider_Name(t *testing.T) {
	p, err := New(context.Background(), "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
}

func TestNew_NilContextPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil context")
		}
	}()
	var ctx context.Context
	_, _ = New(ctx, "key")
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/models") {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/v1beta/") {
			t.Errorf("expected API version in path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"models":[{"name":"models/gemini-2.5-flash"}]}`)
	}))
	defer srv.Close()

	if err := newTestProvider(t, srv).HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected healthcheck error: %v", err)
	}
}

func TestProvider_HealthCheck_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	err := newTestProvider(t, srv).HealthCheck(context.Background())
	pe := requireProviderError(t, err, http.StatusTooManyRequests)
	if pe.Type != "RESOURCE_EXHAUSTED" {
		t.Errorf("expected type 'RESOURCE_EXHAUSTED', got %q", pe.Type)
	}
	if pe.Message != "Resource has been exhausted (e.g. check quota)." {
		t.Errorf("unexpected error message: %q", pe.Message)
	}
}

func TestProvider_Embed_Success(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []any{
				map[string]any{"values": []float64{0.5, 0.25, -1}},
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv, WithEmbeddingModel("text-embedding-004"))
	vec, err := p.Embed(context.Background(), "capital of France")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []float32{0.5, 0.25, -1}
	if len(vec) != len(want) {
		t.Fatalf("expected %d dims, got %d", len(want), len(vec))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("dim %d: expected %v, got %v", i, want[i], vec[i])
		}
	}
	if !strings.Contains(gotPath, "text-embedding-004") {
		t.Errorf("expected embedding model in path, got %q", gotPath)
	}
	if !strings.Contains(strings.ToLower(gotPath), "embedcontent") {
		t.Errorf("expected embedContent call, got %q", gotPath)
	}
}

func TestProvider_Embed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":{"code":500,"message":"Internal server error","status":"INTERNAL"}}`)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv).Embed(context.Background(), "hi")
	pe := requireProviderError(t, err, http.StatusInternalServerError)
	if pe.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("HTTPStatus() should return 500, got %d", pe.HTTPStatus())
	}
}

func TestProvider_Embed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"embeddings":[]}`)
	}))
	defer srv.Close()

	if _, err := newTestProvider(t, srv).Embed(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for empty embeddings")
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://localhost:8080", "http://localhost:8080/", ""},
		{"http://proxy/google/v1", "http://proxy/google/", "v1"},
		{"http://proxy/google", "http://proxy/google/", ""},
	}
	for _, c := range cases {
		base, ver := splitBaseURLAndVersion(c.in)
		if base != c.base || ver != c.ver {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", c.in, base, ver, c.base, c.ver)
		}
	}
}

func TestProviderError_Error(t *testing.T) {
	e := &ProviderError{
		StatusCode: 429,
		Message:    "Rate limit exceeded",
		Type:       "RESOURCE_EXHAUSTED",
		Code:       "429",
	}
	s := e.Error()
	if !strings.Contains(s, "gemini:") {
		t.Errorf("error string should contain 'gemini:', got %q", s)
	}
	if !strings.Contains(s, "Rate limit exceeded") {
		t.Errorf("error string should contain the message, got %q", s)
	}
}
