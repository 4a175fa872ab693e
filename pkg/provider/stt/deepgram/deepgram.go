// Package deepgram provides a Deepgram-backed STT provider. It implements
// stt.Provider (pre-recorded REST API with a raw streamed body),
// stt.URLTranscriber (fetch-by-URL mode for staged files), and stt.Streamer
// (live transcription over the streaming WebSocket API).
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

const (
	listenEndpoint    = "https://api.deepgram.com/v1/listen"
	streamEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient overrides the HTTP client used for batch calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithBaseURL overrides the pre-recorded API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// Provider implements the Deepgram adapters.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Interface assertions.
var (
	_ stt.Provider       = (*Provider)(nil)
	_ stt.URLTranscriber = (*Provider)(nil)
	_ stt.Streamer       = (*Provider)(nil)
)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    listenEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// listenResponse is the subset of the Deepgram pre-recorded response the
// gateway consumes.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends the audio payload as a raw request body. The payload is
// piped straight through — Deepgram's pre-recorded endpoint accepts a
// streamed binary body, so no buffering is needed regardless of size.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	endpoint, err := p.buildListenURL(req)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build url", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, req.Audio)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", req.ContentType)
	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}

	return p.do(httpReq)
}

// TranscribeURL hands Deepgram a fetchable URL instead of the audio bytes.
// Used by the router for payloads staged through object storage.
func (p *Provider) TranscribeURL(ctx context.Context, audioURL string, req stt.Request) (stt.Result, error) {
	endpoint, err := p.buildListenURL(req)
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build url", err)
	}

	body, err := json.Marshal(map[string]string{"url": audioURL})
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "encode body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, 0, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return p.do(httpReq)
}

// do executes the HTTP call and normalizes the response.
func (p *Provider) do(httpReq *http.Request) (stt.Result, error) {
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

	var parsed listenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return stt.Result{}, stt.NewError(p.Name(), stt.ClassFatal, resp.StatusCode, "decode response", err)
	}

	result := stt.Result{
		Provider:        p.Name(),
		DurationSeconds: parsed.Metadata.Duration,
	}
	if len(parsed.Results.Channels) > 0 {
		ch := parsed.Results.Channels[0]
		result.Language = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			result.Text = ch.Alternatives[0].Transcript
		}
	}
	return result, nil
}

// buildListenURL constructs the pre-recorded endpoint URL for the request.
// Deepgram keyword format is word:boost; language hints pass through as
// ISO 639-1.
func (p *Provider) buildListenURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if req.Language != "" {
		q.Set("language", req.Language)
	} else {
		q.Set("detect_language", "true")
	}
	for _, kw := range req.Keywords {
		q.Add("keywords", kw+":1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildStreamURL constructs the streaming endpoint URL for the session config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(streamEndpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:1", kw))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
