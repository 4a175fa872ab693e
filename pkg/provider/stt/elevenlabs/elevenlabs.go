// Package elevenlabs provides an ElevenLabs Scribe-backed STT provider. It
// implements stt.Provider via the speech-to-text multipart endpoint and
// stt.URLTranscriber via the cloud_storage_url form field.
//
// The multipart protocol requires the whole payload to be assembled as one
// form part, so this adapter buffers the audio in memory; the router keeps
// it on the small-file path accordingly.
package elevenlabs

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
	sttEndpoint  = "https://api.elevenlabs.io/v1/speech-to-text"
	defaultModel = "scribe_v1"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs STT model ID (e.g., "scribe_v1").
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

// Provider implements stt.Provider backed by the ElevenLabs Scribe API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

var (
	_ stt.Provider       = (*Provider)(nil)
	_ stt.URLTranscriber = (*Provider)(nil)
)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    sttEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "elevenlabs" }

// sttResponse is the subset of the Scribe response the gateway consumes.
type sttResponse struct {
	LanguageCode string `json:"language_code"`
	Text         string `json:"text"`
	Words        []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe buffers the payload and sends it as a multipart form upload.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	audio, err := io.ReadAll(req.Audio)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "read audio", err)
	}
	return p.submit(ctx, req, func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("file", "audio"+extensionFor(req.ContentType))
		if err != nil {
			return err
		}
		_, err = part.Write(audio)
		return err
	})
}

// TranscribeURL points Scribe at a fetchable URL instead of uploading bytes.
func (p *Provider) TranscribeURL(ctx context.Context, audioURL string, req stt.Request) (stt.Result, error) {
	return p.submit(ctx, req, func(w *multipart.Writer) error {
		return w.WriteField("cloud_storage_url", audioURL)
	})
}

// submit assembles the multipart form, runs the HTTP call, and normalizes
// the response. addAudio writes either the file part or the URL field.
func (p *Provider) submit(ctx context.Context, req stt.Request, addAudio func(*multipart.Writer) error) (stt.Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("model_id", p.model); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if req.Language != "" {
		// Scribe expects ISO 639-3 language codes; the gateway's hints are
		// two-letter ISO 639-1.
		if code, ok := iso6393[strings.ToLower(req.Language)]; ok {
			if err := w.WriteField("language_code", code); err != nil {
				return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
			}
		}
	}
	if err := addAudio(w); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}
	if err := w.Close(); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build form", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, &buf)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build request", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
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

	var parsed sttResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, resp.StatusCode, "decode response", err)
	}

	result := stt.Result{
		Provider: p.Name(),
		Text:     parsed.Text,
		Language: parsed.LanguageCode,
	}
	// Scribe reports no top-level duration; the end of the last word is the
	// billable length.
	if n := len(parsed.Words); n > 0 {
		result.DurationSeconds = parsed.Words[n-1].End
	}
	return result, nil
}

// extensionFor picks a filename extension for the multipart file part; the
// API sniffs content but a sensible name helps error messages.
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
