package orchestrator

import (
	"context"
	"errors"

	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// UsageReport is the balance summary for one account. Licensed accounts
// report only the live remaining balance (the external billing system
// owns the full history); trial accounts additionally report the grant
// so clients can render a "X of Y used" meter.
type UsageReport struct {
	Kind auth.Kind

	CreditsRemaining pricing.Credits
	MinutesRemaining float64

	// Trial-only fields.
	CreditsGranted pricing.Credits
	CreditsUsed    pricing.Credits
}

// Usage resolves the identity and reports its current balance. Runs the
// blocklist but not the credit gate — a broke account may still ask how
// broke it is.
func (o *Orchestrator) Usage(ctx context.Context, ip string, id Identity) (UsageReport, *Error) {
	blocked, err := o.guard.Blocked(ctx, ip)
	if blocked {
		return UsageReport{}, newError(CodeBlocked, "access denied", err)
	}

	user, err := o.resolver.Resolve(ctx, id.LicenseKey, id.DeviceID, id.Legacy)
	switch {
	case errors.Is(err, auth.ErrIdentifierRequired):
		return UsageReport{}, newError(CodeAuthRequired, "license_key or device_id required", err)
	case errors.Is(err, auth.ErrLicenseInvalid):
		return UsageReport{}, newError(CodeAuthInvalid, "invalid license key", err)
	case err != nil:
		return UsageReport{}, newError(CodeInternal, "identity resolution failed", err)
	}

	report := UsageReport{
		Kind:             user.Kind,
		CreditsRemaining: user.Credits,
		MinutesRemaining: pricing.MinutesOfAudio(user.Credits),
	}
	if user.Kind == auth.Trial {
		// Re-read the full record for the grant breakdown; the resolver
		// already folded read failures into a zero balance.
		if bal, err := o.trial.Balance(ctx, user.DeviceID); err == nil {
			report.CreditsGranted = bal.TotalAllocated
			report.CreditsUsed = bal.Used
		}
	}
	return report, nil
}
