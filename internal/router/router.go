// Package router selects and sequences upstream providers for one request.
//
// For STT it applies the size-based transport strategy (direct push vs
// stage-through-object-storage), retries transient failures against the
// same provider with exponential backoff, and performs exactly one
// fallback hop to a designated alternate when the primary reports the
// edge-blocked error class. For LLM cleanup it applies the same retry
// policy with no fallback.
//
// Retry-same-provider and fallback-to-different-provider are separate,
// ordered mechanisms: retry runs first and only covers transient errors;
// fallback triggers only on the edge-blocked class, never on errors retry
// already covers and never on vendor auth/quota failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

// Transport thresholds are driven by the hosting environment's hard
// per-request memory ceiling. Multipart providers need the whole payload
// assembled in memory (and copied into the form body), so their direct
// path tolerates far less than a provider that accepts a raw streamed
// body.
const (
	// DefaultMaxDirectBuffered caps direct uploads to multipart providers.
	DefaultMaxDirectBuffered = int64(4 << 20) // 4 MiB

	// DefaultMaxDirectStreamed caps direct uploads to raw-body providers.
	DefaultMaxDirectStreamed = int64(16 << 20) // 16 MiB
)

// ErrUnknownProvider is returned for a provider name with no registration.
var ErrUnknownProvider = errors.New("router: unknown provider")

// ErrPayloadTooLarge is returned when the payload exceeds the chosen
// provider's direct threshold and the provider cannot fetch from a URL.
var ErrPayloadTooLarge = errors.New("router: payload too large for provider")

// Source supplies the audio payload. Open is called once per delivery
// attempt so retries and the fallback hop replay the same bytes; the
// staged path calls it exactly once per request, to feed the
// object-storage upload, and later attempts reuse the staged object.
type Source struct {
	ContentType   string
	ContentLength int64
	Open          func() (io.Reader, error)
}

// Options carries the recognition hints for one request.
type Options struct {
	Language string
	Keywords []string
	Prompt   string
}

// Stager is the object-storage staging dependency.
type Stager interface {
	// Stage streams audio into the bucket, returning the object key and a
	// short-lived presigned fetch URL.
	Stage(ctx context.Context, audio io.Reader, contentType string) (key, url string, err error)

	// Delete removes a staged object, best effort.
	Delete(ctx context.Context, key string)
}

// Entry registers one STT provider with its transport threshold.
type Entry struct {
	Provider stt.Provider

	// MaxDirectBytes is the largest payload pushed directly; larger
	// payloads stage through object storage. Zero picks a default based
	// on whether the provider buffers (multipart) or streams.
	MaxDirectBytes int64
}

// RetryPolicy bounds the same-provider retry loop for transient failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries beyond the first attempt.
	MaxRetries int

	// BaseDelay is the first backoff delay; it doubles per retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries up to 3 times, starting at 1s and doubling.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
}

// Router routes transcription and cleanup calls to registered providers.
type Router struct {
	stt         map[string]Entry
	defaultSTT  string
	fallbackSTT string

	llm        map[string]llm.Provider
	defaultLLM string

	stager  Stager
	retry   RetryPolicy
	metrics *observe.Metrics

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a [Router].
type Option func(*Router)

// WithRetryPolicy overrides [DefaultRetryPolicy].
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Router) { r.retry = p }
}

// WithStager attaches the object-storage stager enabling the staged
// transport path. Without one, oversized payloads are rejected.
func WithStager(s Stager) Option {
	return func(r *Router) { r.stager = s }
}

// WithSleep overrides the backoff sleeper. Used in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// WithMetrics overrides the metrics sink, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a [Router]. defaultSTT names the provider used when a
// request does not choose one; fallbackSTT names the designated
// edge-block fallback and may be empty to disable fallback.
func New(defaultSTT, fallbackSTT string, opts ...Option) *Router {
	r := &Router{
		stt:         make(map[string]Entry),
		defaultSTT:  defaultSTT,
		fallbackSTT: fallbackSTT,
		retry:       DefaultRetryPolicy,
		metrics:     observe.DefaultMetrics(),
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterSTT adds a provider under its own name.
func (r *Router) RegisterSTT(e Entry) {
	if e.MaxDirectBytes <= 0 {
		if _, ok := e.Provider.(stt.URLTranscriber); ok {
			e.MaxDirectBytes = DefaultMaxDirectStreamed
		} else {
			e.MaxDirectBytes = DefaultMaxDirectBuffered
		}
	}
	r.stt[e.Provider.Name()] = e
}

// Transcribe runs the full STT routing state machine: transport
// selection, bounded retry, at most one fallback hop, and empty-result
// normalization. providerName may be empty to use the default.
func (r *Router) Transcribe(ctx context.Context, providerName string, src Source, opts Options) (stt.Result, error) {
	name := providerName
	if name == "" {
		name = r.defaultSTT
	}
	entry, ok := r.stt[name]
	if !ok {
		return stt.Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	staged := &stagedPayload{}
	defer r.cleanupStaged(ctx, staged)
	start := time.Now()

	res, err := r.transcribeOne(ctx, entry, src, opts, staged)
	if err != nil {
		res, err = r.maybeFallback(ctx, name, src, opts, staged, err)
	}
	if err != nil {
		return stt.Result{}, err
	}

	r.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", res.Provider)))
	return normalize(res), nil
}

// stagedPayload remembers the object staged for this request. The source
// stream may be one-shot, so once the payload is in the bucket every
// later attempt (including the fallback hop) reuses the presigned URL
// instead of re-opening the source.
type stagedPayload struct {
	key string
	url string
}

// cleanupStaged deletes the staged object, if any, once all delivery
// attempts are finished. The delete runs in the background with its own
// deadline; the bucket lifecycle rule is the failsafe if it is missed.
func (r *Router) cleanupStaged(ctx context.Context, staged *stagedPayload) {
	if staged.key == "" {
		return
	}
	cleanupCtx := context.WithoutCancel(ctx)
	go func() {
		dctx, cancel := context.WithTimeout(cleanupCtx, 30*time.Second)
		defer cancel()
		r.stager.Delete(dctx, staged.key)
	}()
}

// maybeFallback performs the single fallback hop when err carries the
// edge-blocked class. Any other error class propagates unchanged, and a
// fallback failure propagates as a hard error with both causes attached.
func (r *Router) maybeFallback(ctx context.Context, primary string, src Source, opts Options, staged *stagedPayload, err error) (stt.Result, error) {
	var perr *stt.Error
	if !errors.As(err, &perr) || perr.Class != stt.ClassEdgeBlocked {
		return stt.Result{}, err
	}
	if r.fallbackSTT == "" || r.fallbackSTT == primary {
		return stt.Result{}, err
	}
	fb, ok := r.stt[r.fallbackSTT]
	if !ok {
		return stt.Result{}, err
	}

	slog.Warn("provider edge-blocked, falling back",
		"provider", primary, "fallback", r.fallbackSTT)

	res, fbErr := r.transcribeOne(ctx, fb, src, opts, staged)
	if fbErr != nil {
		return stt.Result{}, fmt.Errorf("router: fallback %s also failed: %w (primary: %v)", r.fallbackSTT, fbErr, err)
	}
	res.FallbackFrom = primary
	return res, nil
}

// transcribeOne delivers the payload to one provider, choosing the
// transport and retrying transient failures. A URL-capable provider goes
// through the staged path whenever the payload is already in the bucket,
// since the direct source may not be replayable.
func (r *Router) transcribeOne(ctx context.Context, entry Entry, src Source, opts Options, staged *stagedPayload) (stt.Result, error) {
	_, urlCapable := entry.Provider.(stt.URLTranscriber)
	if src.ContentLength >= entry.MaxDirectBytes || (staged.key != "" && urlCapable) {
		return r.transcribeStaged(ctx, entry, src, opts, staged)
	}
	return r.withRetry(ctx, entry.Provider.Name(), func() (stt.Result, error) {
		audio, err := src.Open()
		if err != nil {
			return stt.Result{}, fmt.Errorf("router: open payload: %w", err)
		}
		return entry.Provider.Transcribe(ctx, stt.Request{
			Audio:         audio,
			ContentType:   src.ContentType,
			ContentLength: src.ContentLength,
			Language:      opts.Language,
			Keywords:      opts.Keywords,
			Prompt:        opts.Prompt,
		})
	})
}

// transcribeStaged hands the provider a presigned URL to the staged
// payload, uploading it first if this is the request's first staged
// attempt. The presign TTL comfortably covers a retry-plus-fallback
// sequence, so the same URL serves every hop.
func (r *Router) transcribeStaged(ctx context.Context, entry Entry, src Source, opts Options, staged *stagedPayload) (stt.Result, error) {
	urlT, ok := entry.Provider.(stt.URLTranscriber)
	if !ok {
		return stt.Result{}, fmt.Errorf("%w: %s has no URL mode (%d bytes)", ErrPayloadTooLarge, entry.Provider.Name(), src.ContentLength)
	}
	if r.stager == nil {
		return stt.Result{}, fmt.Errorf("%w: staging not configured (%d bytes)", ErrPayloadTooLarge, src.ContentLength)
	}

	if staged.key == "" {
		audio, err := src.Open()
		if err != nil {
			return stt.Result{}, fmt.Errorf("router: open payload: %w", err)
		}
		key, signedURL, err := r.stager.Stage(ctx, audio, src.ContentType)
		if err != nil {
			return stt.Result{}, fmt.Errorf("router: stage payload: %w", err)
		}
		staged.key, staged.url = key, signedURL
	}

	return r.withRetry(ctx, entry.Provider.Name(), func() (stt.Result, error) {
		return urlT.TranscribeURL(ctx, staged.url, stt.Request{
			ContentType:   src.ContentType,
			ContentLength: src.ContentLength,
			Language:      opts.Language,
			Keywords:      opts.Keywords,
			Prompt:        opts.Prompt,
		})
	})
}

// withRetry runs fn with the configured bounded exponential backoff.
// Only the transient class retries; edge-blocked and fatal errors return
// immediately for the caller to handle.
func (r *Router) withRetry(ctx context.Context, provider string, fn func() (stt.Result, error)) (stt.Result, error) {
	delay := r.retry.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying provider call",
				"provider", provider, "attempt", attempt, "delay", delay, "err", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return stt.Result{}, err
			}
			delay *= 2
			if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
				delay = r.retry.MaxDelay
			}
		}

		res, err := fn()
		if err == nil {
			r.metrics.RecordProviderRequest(ctx, provider, "stt", "ok")
			return res, nil
		}
		lastErr = err
		r.metrics.RecordProviderRequest(ctx, provider, "stt", "error")

		var perr *stt.Error
		if !errors.As(err, &perr) {
			return stt.Result{}, err
		}
		r.metrics.RecordProviderError(ctx, provider, perr.Class.String())
		if perr.Class != stt.ClassTransient {
			return stt.Result{}, err
		}
	}
	return stt.Result{}, lastErr
}

// normalize applies cost math and the empty-result rule: a syntactically
// valid response with a blank transcript is not an error but a "no speech
// detected" outcome with zero duration and zero cost.
func normalize(res stt.Result) stt.Result {
	if strings.TrimSpace(res.Text) == "" {
		res.Text = ""
		res.NoSpeech = true
		res.DurationSeconds = 0
		res.CostUSD = 0
		return res
	}
	res.CostUSD = pricing.STTCost(res.DurationSeconds, res.Provider)
	return res
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
