package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// newOpenAIHandler returns an http.Handler that simulates the parts of the
// OpenAI API the control plane calls: the model list (health probe) and
// embeddings.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"` // string or []string
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}
		if len(inputs) == 0 {
			inputs = []string{""}
		}

		model := req.Model
		if model == "" {
			model = "text-embedding-3-small"
		}

		data := make([]map[string]any, len(inputs))
		for i, in := range inputs {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeEmbedding(in, 1536),
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"model":  model,
			"usage": map[string]int{
				"prompt_tokens": len(inputs) * 5,
				"total_tokens":  len(inputs) * 5,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "text-embedding-3-small", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// newAnthropicHandler simulates the Anthropic model list used by the health
// probe.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "overloaded_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{
					"type":         "model",
					"id":           "claude-sonnet-4-5",
					"display_name": "Claude Sonnet 4.5",
					"created_at":   "2025-09-29T00:00:00Z",
				},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-sonnet-4-5",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// newGeminiHandler returns an http.Handler simulating the Google Gemini API.
//
// The Gemini SDK (google.golang.org/genai) communicates with:
//
//	POST {base}/models/{model}:embedContent
//	POST {base}/models/{model}:batchEmbedContents
//	GET  {base}/models           (list models, used by health check)
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasSuffix(path, ":embedContent") && !strings.HasSuffix(path, ":batchEmbedContents") {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Content  geminiContent   `json:"content"`
			Requests []geminiRequest `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		texts := []string{req.Content.text()}
		if len(req.Requests) > 0 {
			texts = texts[:0]
			for _, r := range req.Requests {
				texts = append(texts, r.Content.text())
			}
		}

		embeddings := make([]map[string]any, len(texts))
		for i, t := range texts {
			embeddings[i] = map[string]any{"values": fakeEmbedding(t, 768)}
		}
		writeJSON(w, http.StatusOK, map[string]any{"embeddings": embeddings})
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.5-flash",
					"displayName": "Gemini 2.5 Flash",
					"description": "Mock Gemini 2.5 Flash",
				},
				{
					"name":        "models/gemini-embedding-001",
					"displayName": "Gemini Embedding",
					"description": "Mock Gemini embedding model",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

type geminiContent struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func (c geminiContent) text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type geminiRequest struct {
	Content geminiContent `json:"content"`
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}
