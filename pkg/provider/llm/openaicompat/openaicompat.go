// Package openaicompat provides an llm.Provider for any OpenAI-compatible
// chat completion endpoint (self-hosted gateways, Together, Cerebras,
// vLLM, ...). Because "compatible" servers disagree on the exact response
// envelope, the corrected text is located by a best-effort deep search that
// tries progressively more nested shapes before giving up.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithName overrides the provider name reported in metadata and used for
// pricing lookups (default "compat").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// Provider implements llm.Provider against an OpenAI-compatible REST API.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// New creates a new OpenAI-compatible provider. baseURL is the API root
// (e.g. "https://api.together.xyz/v1"); apiKey may be empty for
// unauthenticated local servers.
func New(baseURL, apiKey, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("openaicompat: baseURL must not be empty")
	}
	if model == "" {
		return nil, errors.New("openaicompat: model must not be empty")
	}
	p := &Provider{
		name:       "compat",
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiUsage is the usage block shared by the envelope variants.
type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body := apiRequest{
		Model: p.model,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, apiMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		body.MaxTokens = &mt
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, &llm.Error{Provider: p.name, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return llm.Response{}, &llm.Error{Provider: p.name, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return llm.Response{}, &llm.Error{Provider: p.name, Transient: true, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return llm.Response{}, &llm.Error{Provider: p.name, Transient: true, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return llm.Response{}, &llm.Error{
			Provider:  p.name,
			Status:    resp.StatusCode,
			Transient: llm.TransientStatus(resp.StatusCode),
			Message:   "chat completion failed",
		}
	}

	text, usage, err := extract(raw)
	if err != nil {
		return llm.Response{}, &llm.Error{Provider: p.name, Status: resp.StatusCode, Message: "unrecognized response envelope", Err: err}
	}
	return llm.Response{Text: text, Usage: usage}, nil
}

// envelope covers the response shapes seen in the wild: the standard
// choices[].message form, the streaming-delta form some servers return even
// for non-streaming calls, and a bare top-level text field.
type envelope struct {
	Text    string `json:"text"`
	Content string `json:"content"`
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
}

// extract locates the completion text inside a varying response envelope,
// trying progressively more nested shapes. It fails only if none match.
func extract(raw []byte) (string, llm.Usage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", llm.Usage{}, err
	}

	var usage llm.Usage
	if env.Usage != nil {
		usage = llm.Usage{
			PromptTokens:     env.Usage.PromptTokens,
			CompletionTokens: env.Usage.CompletionTokens,
			TotalTokens:      env.Usage.TotalTokens,
		}
	}

	// 1. Direct top-level field.
	if env.Text != "" {
		return env.Text, usage, nil
	}
	if env.Content != "" {
		return env.Content, usage, nil
	}

	// 2. Standard chat shape, then 3. delta shape, then legacy completions.
	for _, c := range env.Choices {
		if c.Message.Content != "" {
			return c.Message.Content, usage, nil
		}
	}
	for _, c := range env.Choices {
		if c.Delta.Content != "" {
			return c.Delta.Content, usage, nil
		}
	}
	for _, c := range env.Choices {
		if c.Text != "" {
			return c.Text, usage, nil
		}
	}

	return "", llm.Usage{}, errors.New("no completion text found in any known shape")
}
