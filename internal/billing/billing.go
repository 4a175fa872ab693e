// Package billing implements the two prepaid balance backends: a local
// trial counter keyed by anonymous device id, and a mirror of the external
// billing system's balance for licensed accounts.
//
// All local state lives in Redis as small JSON blobs under descriptive
// keys. Mutations are get-then-conditionally-put sequences without
// cross-request locking: two concurrent requests from the same identity can
// race on a balance read, and a burst may slightly over-spend. That is an
// accepted trade-off — serializing on a distributed lock per identity is
// explicitly out of scope.
//
// Failure policy is asymmetric by design. Reads fail closed (an unreadable
// trial balance counts as exhausted, an unverifiable license as invalid)
// because device credits directly bound cost exposure. Deductions never
// fail the caller: billing discrepancies are logged and tolerated rather
// than turning an already-delivered transcription into an error.
package billing

import (
	"time"

	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// Default key prefixes and TTLs.
const (
	defaultKeyPrefix = "hw:"

	// DefaultValidTTL bounds how long a successful license validation is
	// trusted; balances change with usage, so keep it short.
	DefaultValidTTL = 5 * time.Minute

	// DefaultInvalidTTL caches failed validations much longer to blunt
	// brute-force key probing.
	DefaultInvalidTTL = time.Hour

	// DefaultTrialGrant is the one-time credit allocation for a new device.
	DefaultTrialGrant = pricing.Credits(1500) // 150.0 credits
)

// TrialBalance is the local balance record for a device.
type TrialBalance struct {
	TotalAllocated pricing.Credits `json:"total_allocated"`
	Used           pricing.Credits `json:"used"`
}

// Remaining returns the spendable credits. Never negative: deduction clamps
// Used at TotalAllocated.
func (b TrialBalance) Remaining() pricing.Credits {
	r := b.TotalAllocated - b.Used
	if r < 0 {
		return 0
	}
	return r
}

// LicenseStatus is the cached view of a licensed account.
type LicenseStatus struct {
	Credits  pricing.Credits `json:"credits"`
	Valid    bool            `json:"is_valid"`
	CachedAt time.Time       `json:"cached_at"`
}

// DeductMeta carries attribution for a deduction, forwarded to the billing
// backend and emitted in logs.
type DeductMeta struct {
	RequestID string  `json:"request_id"`
	Provider  string  `json:"provider"`
	Seconds   float64 `json:"duration_seconds"`
}
