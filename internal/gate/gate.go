// Package gate implements the credit gate: the pre-flight allow/deny
// decision against an estimated cost, and the post-delivery deduction of
// the actual cost.
//
// The gate never pre-deducts — validating a request leaves every balance
// untouched, and the deduction happens after the response with the
// provider-measured cost. The two amounts are allowed to diverge; a
// request that turns out to cost more than its estimate is never blocked
// retroactively.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/internal/abuse"
	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// Reason codes a denial. The caller's remediation differs per reason
// (buy a license vs. wait for the quota reset), so trial denials are
// split into two distinct codes.
type Reason int

const (
	// ReasonInsufficientCredits denies a licensed user whose cached
	// balance does not cover the estimate.
	ReasonInsufficientCredits Reason = iota

	// ReasonTrialExhausted denies a trial user whose device credits do not
	// cover the estimate.
	ReasonTrialExhausted

	// ReasonQuotaExceeded denies a trial user whose IP has hit the daily
	// cap, regardless of remaining device credits.
	ReasonQuotaExceeded
)

// String returns the reason's metrics label.
func (r Reason) String() string {
	switch r {
	case ReasonInsufficientCredits:
		return "insufficient_credits"
	case ReasonTrialExhausted:
		return "trial_exhausted"
	case ReasonQuotaExceeded:
		return "quota_exceeded"
	}
	return "unknown"
}

// Denial carries the remediation data for a deny decision, sufficient for
// the client to render next steps without a follow-up call.
type Denial struct {
	Reason           Reason
	CreditsRemaining pricing.Credits
	CreditsRequired  pricing.Credits

	// MinutesRemaining and MinutesRequired project credits onto audio
	// minutes via the fixed credits-per-minute constant, for upgrade
	// prompts on licensed accounts.
	MinutesRemaining float64
	MinutesRequired  float64

	// ResetsAt is the next UTC midnight; set only for ReasonQuotaExceeded.
	ResetsAt time.Time
}

// Gate validates estimates against balances and applies deductions.
type Gate struct {
	trial    *billing.TrialStore
	licenses *billing.LicenseStore
	guard    *abuse.Guard
	metrics  *observe.Metrics
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics overrides the metrics sink, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a [Gate] over the balance stores and abuse guard.
func New(trial *billing.TrialStore, licenses *billing.LicenseStore, guard *abuse.Guard, opts ...Option) *Gate {
	g := &Gate{trial: trial, licenses: licenses, guard: guard, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Validate decides whether user may spend estimate credits. A nil Denial
// means allow. No balance is modified either way.
//
// Trial users pass through a dual gate: the device balance and the per-IP
// daily quota must both cover the estimate. The two failure modes return
// distinct reasons.
func (g *Gate) Validate(ctx context.Context, user auth.User, ip string, estimate pricing.Credits) *Denial {
	if user.Kind == auth.Licensed {
		if user.Credits >= estimate {
			return nil
		}
		return g.deny(ctx, &Denial{
			Reason:           ReasonInsufficientCredits,
			CreditsRemaining: user.Credits,
			CreditsRequired:  estimate,
			MinutesRemaining: pricing.MinutesOfAudio(user.Credits),
			MinutesRequired:  pricing.MinutesOfAudio(estimate),
		})
	}

	// Trial: device credits first.
	if user.Credits < estimate {
		return g.deny(ctx, &Denial{
			Reason:           ReasonTrialExhausted,
			CreditsRemaining: user.Credits,
			CreditsRequired:  estimate,
			MinutesRemaining: pricing.MinutesOfAudio(user.Credits),
			MinutesRequired:  pricing.MinutesOfAudio(estimate),
		})
	}

	// Then the IP daily quota. A storage error fails closed as a quota
	// denial — the quota bounds cost exposure and must not be bypassable
	// by breaking the store.
	decision, err := g.guard.CheckRateLimit(ctx, ip, estimate)
	if err != nil {
		slog.Error("ip quota check failed, denying", "err", err)
		return g.deny(ctx, &Denial{Reason: ReasonQuotaExceeded, CreditsRequired: estimate})
	}
	if !decision.Allowed {
		return g.deny(ctx, &Denial{
			Reason:           ReasonQuotaExceeded,
			CreditsRemaining: decision.CreditsRemaining,
			CreditsRequired:  estimate,
			ResetsAt:         decision.ResetsAt,
		})
	}
	return nil
}

// deny counts the denial before handing it back.
func (g *Gate) deny(ctx context.Context, d *Denial) *Denial {
	g.metrics.RecordGateDenial(ctx, d.Reason.String())
	return d
}

// Deduct applies the actual cost to the user's balance — and, for trial
// users, to the IP daily quota as well. It never returns an error: the
// response has already been determined when this runs, so billing
// failures are logged and tolerated.
//
// Safe to call with a zero amount (no-op).
func (g *Gate) Deduct(ctx context.Context, user auth.User, ip string, actual pricing.Credits, meta billing.DeductMeta) {
	if actual <= 0 {
		return
	}

	switch user.Kind {
	case auth.Licensed:
		g.metrics.RecordDeduction(ctx, "licensed", actual.Float64())
		if err := g.licenses.Deduct(ctx, user.LicenseKey, actual, meta); err != nil {
			slog.Error("license deduction failed", "err", err, "request_id", meta.RequestID, "credits", actual)
		}
	case auth.Trial:
		g.metrics.RecordDeduction(ctx, "trial", actual.Float64())
		if err := g.trial.Deduct(ctx, user.DeviceID, actual, meta); err != nil {
			slog.Error("trial deduction failed", "err", err, "request_id", meta.RequestID, "credits", actual)
		}
		g.guard.RecordUsage(ctx, ip, actual)
	}
}
