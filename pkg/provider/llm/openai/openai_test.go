package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New("sk-test-key", WithModel("gpt-4o-mini"), WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
}

func TestComplete(t *testing.T) {
	var gotBody map[string]any
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "Hello, there."}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
		})
	})

	resp, err := p.Complete(context.Background(), llm.Request{
		SystemPrompt: "Fix punctuation.",
		Messages:     []llm.Message{{Role: "user", Content: "hello there"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "Hello, there." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 40 || resp.Usage.TotalTokens != 160 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", gotBody["model"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want system prompt then user turn", gotBody["messages"])
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := p.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	var perr *llm.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *llm.Error", err)
	}
}

func TestCompleteServerErrorIsTransient(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": {"message": "boom"}}`)
	})

	_, err := p.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete() error = nil, want error")
	}
	if !llm.IsTransient(err) {
		t.Errorf("500 should be transient: %v", err)
	}
}
