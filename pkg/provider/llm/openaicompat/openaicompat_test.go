package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

func newProvider(t *testing.T, status int, respBody string, opts ...Option) (*Provider, *apiRequest) {
	t.Helper()
	var last apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &last)
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL+"/v1", "compat-key", "llama-3.1-8b", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, &last
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "k", "m"); err == nil {
		t.Error("empty baseURL must be rejected")
	}
	if _, err := New("http://localhost", "k", ""); err == nil {
		t.Error("empty model must be rejected")
	}
	// An empty key is fine: local servers are unauthenticated.
	if _, err := New("http://localhost:11434/v1", "", "llama"); err != nil {
		t.Errorf("New() with empty key error = %v", err)
	}
}

func TestCompleteStandardEnvelope(t *testing.T) {
	p, last := newProvider(t, http.StatusOK, `{
		"choices": [{"message": {"content": "Hello, there."}}],
		"usage": {"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160}
	}`)

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
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 40 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if last.Model != "llama-3.1-8b" {
		t.Errorf("model = %q", last.Model)
	}
	if len(last.Messages) != 2 || last.Messages[0].Role != "system" || last.Messages[1].Content != "hello there" {
		t.Errorf("messages = %+v, want system prompt then user turn", last.Messages)
	}
}

func TestCompleteWithName(t *testing.T) {
	p, _ := newProvider(t, http.StatusOK, `{"text": "ok"}`, WithName("cerebras"))
	if p.Name() != "cerebras" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestCompleteErrorStatus(t *testing.T) {
	p, _ := newProvider(t, http.StatusTooManyRequests, `{"error": "slow down"}`)

	_, err := p.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete() error = nil, want error")
	}
	if !llm.IsTransient(err) {
		t.Errorf("429 should be transient: %v", err)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"top-level text", `{"text": "done"}`, "done"},
		{"top-level content", `{"content": "done"}`, "done"},
		{"chat message", `{"choices": [{"message": {"content": "done"}}]}`, "done"},
		{"delta shape", `{"choices": [{"delta": {"content": "done"}}]}`, "done"},
		{"legacy completion", `{"choices": [{"text": "done"}]}`, "done"},
		{"message preferred over delta", `{"choices": [{"message": {"content": "msg"}, "delta": {"content": "delta"}}]}`, "msg"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, _, err := extract([]byte(tc.raw))
			if err != nil {
				t.Fatalf("extract() error = %v", err)
			}
			if text != tc.want {
				t.Errorf("text = %q, want %q", text, tc.want)
			}
		})
	}

	if _, _, err := extract([]byte(`{"choices": []}`)); err == nil {
		t.Error("an envelope with no text anywhere must fail")
	}
}
