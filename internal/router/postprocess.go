package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
)

// CleanupResult is the outcome of one LLM cleanup pass.
type CleanupResult struct {
	Text     string
	Provider string
	Usage    llm.Usage

	// Skipped is set when cleanup did not run (no system prompt); Text then
	// carries the input unchanged and Usage is zero.
	Skipped bool
}

// RegisterLLM adds an LLM provider under its own name.
func (r *Router) RegisterLLM(p llm.Provider) {
	if r.llm == nil {
		r.llm = make(map[string]llm.Provider)
	}
	r.llm[p.Name()] = p
}

// SetDefaultLLM names the provider used when a request does not choose one.
func (r *Router) SetDefaultLLM(name string) { r.defaultLLM = name }

// Cleanup runs the transcript through an LLM with the caller's system
// prompt. An empty system prompt skips the pass entirely: cleanup is
// opt-in per request and a skipped pass costs nothing.
//
// The retry policy matches transcription, but there is no fallback hop —
// a cleanup failure is surfaced rather than silently rerouted, since the
// caller chose the model for a reason.
func (r *Router) Cleanup(ctx context.Context, providerName, systemPrompt, transcript string) (CleanupResult, error) {
	if systemPrompt == "" {
		return CleanupResult{Text: transcript, Skipped: true}, nil
	}

	name := providerName
	if name == "" {
		name = r.defaultLLM
	}
	p, ok := r.llm[name]
	if !ok {
		return CleanupResult{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	start := time.Now()
	resp, err := r.completeWithRetry(ctx, p, llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: transcript}},
	})
	if err != nil {
		return CleanupResult{}, err
	}
	r.metrics.CleanupDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", p.Name())))
	if resp.Text == "" {
		// A model that returns nothing must not eat the transcript.
		slog.Warn("llm cleanup returned empty text, keeping original", "provider", p.Name())
		return CleanupResult{Text: transcript, Provider: p.Name(), Usage: resp.Usage}, nil
	}
	return CleanupResult{Text: resp.Text, Provider: p.Name(), Usage: resp.Usage}, nil
}

func (r *Router) completeWithRetry(ctx context.Context, p llm.Provider, req llm.Request) (llm.Response, error) {
	delay := r.retry.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying llm call",
				"provider", p.Name(), "attempt", attempt, "delay", delay, "err", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return llm.Response{}, err
			}
			delay *= 2
			if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
				delay = r.retry.MaxDelay
			}
		}

		resp, err := p.Complete(ctx, req)
		if err == nil {
			r.metrics.RecordProviderRequest(ctx, p.Name(), "llm", "ok")
			return resp, nil
		}
		lastErr = err
		r.metrics.RecordProviderRequest(ctx, p.Name(), "llm", "error")
		if !llm.IsTransient(err) {
			return llm.Response{}, err
		}
	}
	return llm.Response{}, lastErr
}
