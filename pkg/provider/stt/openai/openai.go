// Package openai provides an OpenAI Whisper-backed STT provider using the
// audio transcriptions endpoint. It implements stt.Provider.
//
// Whisper only accepts multipart uploads, so the payload is buffered in
// memory; the router keeps this provider on the small-file path. There is
// no fetch-by-URL mode.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

const (
	transcriptionsEndpoint = "https://api.openai.com/v1/audio/transcriptions"
	defaultModel           = "whisper-1"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "whisper-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by OpenAI Whisper.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Whisper Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    transcriptionsEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "openai" }

// verboseResponse is the verbose_json transcription response shape.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe buffers the payload and sends it as a multipart form upload.
// Whisper accepts the initial prompt as biasing text, so vocabulary hints
// are folded into the prompt field.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	audio, err := io.ReadAll(req.Audio)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "read audio", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model", p.model); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if err := w.WriteField("response_format", "verbose_json"); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if req.Language != "" {
		if err := w.WriteField("language", req.Language); err != nil {
			return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
		}
	}
	if prompt := buildPrompt(req); prompt != "" {
		if err := w.WriteField("prompt", prompt); err != nil {
			return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
		}
	}

	part, err := w.CreateFormFile("file", "audio"+extensionFor(req.ContentType))
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if _, err := part.Write(audio); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if err := w.Close(); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, &buf)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassTransient, 0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassTransient, resp.StatusCode, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		class := stt.Classify(resp.StatusCode, body)
		return stt.Result{}, stt.NewError(p.Name(), class, resp.StatusCode, "transcription failed", nil)
	}

	var parsed verboseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, resp.StatusCode, "decode response", err)
	}

	return stt.Result{
		Provider:        p.Name(),
		Text:            parsed.Text,
		Language:        parsed.Language,
		DurationSeconds: parsed.Duration,
	}, nil
}

// buildPrompt folds the caller's initial prompt and vocabulary hints into
// Whisper's single biasing-text field.
func buildPrompt(req stt.Request) string {
	parts := make([]string, 0, 2)
	if req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	if len(req.Keywords) > 0 {
		parts = append(parts, strings.Join(req.Keywords, ", "))
	}
	return strings.Join(parts, " ")
}

// extensionFor picks a filename extension for the multipart file part.
func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return ".mp3"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	case strings.Contains(contentType, "flac"):
		return ".flac"
	case strings.Contains(contentType, "webm"):
		return ".webm"
	case strings.Contains(contentType, "mp4"), strings.Contains(contentType, "m4a"):
		return ".m4a"
	default:
		return ".bin"
	}
}
