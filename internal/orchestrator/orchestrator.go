// Package orchestrator sequences one request through the gateway's
// pipeline: IP blocklist, identity resolution, the pre-flight credit
// gate, provider routing, optional LLM cleanup, and finally settlement.
//
// Ordering is the contract. The blocklist runs before anything touches
// the payload; the gate decides on an estimate before a single upstream
// cent is spent; and the deduction runs after the result is known, with
// the provider-measured cost, on a background context the client cannot
// cancel. A "no speech" outcome is terminal before settlement — nothing
// was delivered, nothing is billed, and the deduction path is never
// entered.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/internal/abuse"
	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/gate"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/internal/router"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

// settleTimeout bounds one background deduction.
const settleTimeout = 10 * time.Second

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	resolver *auth.Resolver
	gate     *gate.Gate
	guard    *abuse.Guard
	router   *router.Router
	trial    *billing.TrialStore

	// bg tracks in-flight background settlements so shutdown can drain
	// them instead of dropping deductions on the floor.
	bg sync.WaitGroup
}

// New creates an [Orchestrator] over the assembled stages. The trial
// store is consulted directly only by the usage report, which needs the
// full allocation record rather than the remaining balance.
func New(resolver *auth.Resolver, g *gate.Gate, guard *abuse.Guard, r *router.Router, trial *billing.TrialStore) *Orchestrator {
	return &Orchestrator{resolver: resolver, gate: g, guard: guard, router: r, trial: trial}
}

// Identity is the caller-supplied identification for one request.
type Identity struct {
	LicenseKey string
	DeviceID   string

	// Legacy is the deprecated combined identifier, classified by shape
	// when the explicit fields are empty.
	Legacy string
}

// TranscribeInput is one transcription request.
type TranscribeInput struct {
	RequestID string
	ClientIP  string
	Identity  Identity

	// Provider optionally overrides the default STT provider.
	Provider string

	// LLMProvider optionally overrides the default cleanup model.
	LLMProvider string

	Language      string
	Keywords      []string
	InitialPrompt string

	// CleanupPrompt is the system prompt for the LLM pass; empty disables
	// cleanup for this request.
	CleanupPrompt string

	Source router.Source
}

// TranscribeOutput is the delivered result, including the cost breakdown
// the handler reports back to the client.
type TranscribeOutput struct {
	Text            string
	Language        string
	DurationSeconds float64
	NoSpeech        bool

	Provider     string
	FallbackFrom string
	LLMProvider  string

	CostUSD     float64
	CostCredits pricing.Credits

	User auth.User
}

// Transcribe runs the full pipeline for one upload.
func (o *Orchestrator) Transcribe(ctx context.Context, in TranscribeInput) (TranscribeOutput, *Error) {
	estimate := pricing.EstimateCredits(in.Source.ContentLength, in.Provider)
	user, oerr := o.Authorize(ctx, in.ClientIP, in.Identity, estimate)
	if oerr != nil {
		return TranscribeOutput{}, oerr
	}

	res, err := o.router.Transcribe(ctx, in.Provider, in.Source, router.Options{
		Language: in.Language,
		Keywords: in.Keywords,
		Prompt:   in.InitialPrompt,
	})
	if err != nil {
		return TranscribeOutput{}, mapRouterError(err)
	}

	out := TranscribeOutput{
		Text:            res.Text,
		Language:        res.Language,
		DurationSeconds: res.DurationSeconds,
		NoSpeech:        res.NoSpeech,
		Provider:        res.Provider,
		FallbackFrom:    res.FallbackFrom,
		User:            user,
	}

	if res.NoSpeech {
		slog.Info("no speech detected, not billing",
			"request_id", in.RequestID, "provider", res.Provider)
		return out, nil
	}

	totalUSD := res.CostUSD
	if in.CleanupPrompt != "" {
		cleaned, err := o.router.Cleanup(ctx, in.LLMProvider, in.CleanupPrompt, res.Text)
		switch {
		case err != nil:
			// Cleanup is an enhancement. The transcript was delivered by the
			// provider; losing it to a cleanup failure would charge the user
			// for nothing.
			slog.Warn("llm cleanup failed, returning raw transcript",
				"request_id", in.RequestID, "err", err)
		case !cleaned.Skipped:
			out.Text = cleaned.Text
			out.LLMProvider = cleaned.Provider
			totalUSD += pricing.LLMCost(cleaned.Usage.PromptTokens, cleaned.Usage.CompletionTokens, cleaned.Provider)
		}
	}

	out.CostUSD = totalUSD
	out.CostCredits = pricing.USDToCredits(totalUSD)

	o.settle(ctx, user, in.ClientIP, out.CostCredits, billing.DeductMeta{
		RequestID: in.RequestID,
		Provider:  res.Provider,
		Seconds:   res.DurationSeconds,
	})
	return out, nil
}

// Authorize runs the pre-flight stages shared by every entry point:
// blocklist, identity resolution, and the credit gate against estimate.
func (o *Orchestrator) Authorize(ctx context.Context, ip string, id Identity, estimate pricing.Credits) (auth.User, *Error) {
	blocked, err := o.guard.Blocked(ctx, ip)
	if blocked {
		if err != nil {
			slog.Error("blocklist check failed, denying", "err", err)
		}
		return auth.User{}, newError(CodeBlocked, "access denied", err)
	}

	user, err := o.resolver.Resolve(ctx, id.LicenseKey, id.DeviceID, id.Legacy)
	switch {
	case errors.Is(err, auth.ErrIdentifierRequired):
		return auth.User{}, newError(CodeAuthRequired, "license_key or device_id required", err)
	case errors.Is(err, auth.ErrLicenseInvalid):
		return auth.User{}, newError(CodeAuthInvalid, "invalid license key", err)
	case err != nil:
		return auth.User{}, newError(CodeInternal, "identity resolution failed", err)
	}

	if denial := o.gate.Validate(ctx, user, ip, estimate); denial != nil {
		return auth.User{}, denialError(denial)
	}
	return user, nil
}

// Settle records the actual cost of a delivered result against the
// user's balance in the background. Exposed for the streaming entry
// point, which settles once per session.
func (o *Orchestrator) Settle(ctx context.Context, user auth.User, ip string, credits pricing.Credits, meta billing.DeductMeta) {
	o.settle(ctx, user, ip, credits, meta)
}

func (o *Orchestrator) settle(ctx context.Context, user auth.User, ip string, credits pricing.Credits, meta billing.DeductMeta) {
	if credits <= 0 {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		dctx, cancel := context.WithTimeout(bgCtx, settleTimeout)
		defer cancel()
		o.gate.Deduct(dctx, user, ip, credits, meta)
	}()
}

// Drain blocks until all background settlements finish. Called on
// shutdown so an exiting process does not lose deductions, and by tests.
func (o *Orchestrator) Drain() { o.bg.Wait() }

// denialError maps a gate denial onto the API error taxonomy.
func denialError(d *gate.Denial) *Error {
	var code Code
	var msg string
	switch d.Reason {
	case gate.ReasonInsufficientCredits:
		code, msg = CodeCreditsInsufficient, "insufficient credits"
	case gate.ReasonTrialExhausted:
		code, msg = CodeTrialExhausted, "trial credits exhausted"
	default:
		code, msg = CodeQuotaExceeded, "daily usage limit reached"
	}
	return &Error{Code: code, Message: msg, Denial: d}
}

// mapRouterError folds routing failures onto the taxonomy.
func mapRouterError(err error) *Error {
	switch {
	case errors.Is(err, router.ErrUnknownProvider):
		return newError(CodeBadRequest, "unknown provider", err)
	case errors.Is(err, router.ErrPayloadTooLarge):
		return newError(CodePayloadTooLarge, "audio payload too large", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeInternal, "request cancelled", err)
	}

	var perr *stt.Error
	if errors.As(err, &perr) && perr.Class == stt.ClassTransient {
		return newError(CodeProviderUnavailable, "transcription provider unavailable", err)
	}
	return newError(CodeProviderFailed, "transcription failed", err)
}
