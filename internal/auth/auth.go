// Package auth resolves an inbound identifier (license key or device id)
// to an authenticated user backed by one of the two balance stores.
//
// Trial users are never rejected here — an unknown device id lazily
// receives its one-time grant and failures at this stage only zero out the
// observed balance (fail closed); the credit gate makes the actual
// allow/deny call. Licensed users are rejected when the billing backend
// reports the key invalid, or when validation is impossible.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// ErrIdentifierRequired is returned when neither a license key nor a
// device id is present.
var ErrIdentifierRequired = errors.New("auth: license_key or device_id required")

// ErrLicenseInvalid is returned when the license key fails validation.
var ErrLicenseInvalid = errors.New("auth: invalid license")

// Kind discriminates the two account types.
type Kind int

const (
	// Licensed accounts hold their balance in the external billing system.
	Licensed Kind = iota

	// Trial accounts are identified by an anonymous device id with a local
	// one-time credit grant.
	Trial
)

// User is the authenticated identity for one request. Created once by
// [Resolver.Resolve], immutable thereafter. Exactly one of LicenseKey and
// DeviceID is set, matching Kind.
type User struct {
	Kind       Kind
	LicenseKey string
	DeviceID   string

	// Credits is the balance observed at authentication time. The gate
	// checks against this snapshot; deduction re-reads the store.
	Credits pricing.Credits
}

// Identity returns the identifying string for logs and deduction metadata.
func (u User) Identity() string {
	if u.Kind == Licensed {
		return u.LicenseKey
	}
	return u.DeviceID
}

// Resolver maps identifiers onto the balance stores.
type Resolver struct {
	trial    *billing.TrialStore
	licenses *billing.LicenseStore
}

// NewResolver creates a [Resolver] over the two balance backends.
func NewResolver(trial *billing.TrialStore, licenses *billing.LicenseStore) *Resolver {
	return &Resolver{trial: trial, licenses: licenses}
}

// Resolve produces the request's [User] from the supplied identifiers.
// legacy is the deprecated combined identifier parameter, classified by
// shape when the explicit parameters are absent.
func (r *Resolver) Resolve(ctx context.Context, licenseKey, deviceID, legacy string) (User, error) {
	if licenseKey == "" && deviceID == "" && legacy != "" {
		licenseKey, deviceID = ClassifyIdentifier(legacy)
	}

	switch {
	case licenseKey != "":
		return r.resolveLicensed(ctx, licenseKey)
	case deviceID != "":
		return r.resolveTrial(ctx, deviceID)
	default:
		return User{}, ErrIdentifierRequired
	}
}

func (r *Resolver) resolveLicensed(ctx context.Context, licenseKey string) (User, error) {
	if r.licenses == nil {
		// Trial-only deployment: no billing backend to validate against.
		return User{}, fmt.Errorf("%w: no billing backend configured", ErrLicenseInvalid)
	}
	status, err := r.licenses.Status(ctx, licenseKey)
	if err != nil {
		// Unverifiable reads as invalid: fail closed.
		slog.Warn("license validation failed", "err", err)
		return User{}, fmt.Errorf("%w: validation unavailable", ErrLicenseInvalid)
	}
	if !status.Valid {
		return User{}, ErrLicenseInvalid
	}
	return User{Kind: Licensed, LicenseKey: licenseKey, Credits: status.Credits}, nil
}

func (r *Resolver) resolveTrial(ctx context.Context, deviceID string) (User, error) {
	balance, err := r.trial.Balance(ctx, deviceID)
	if err != nil {
		// Trial auth never fails; an unreadable balance reads as exhausted
		// and the gate will deny.
		slog.Warn("trial balance read failed", "device_id", deviceID, "err", err)
		return User{Kind: Trial, DeviceID: deviceID, Credits: 0}, nil
	}
	return User{Kind: Trial, DeviceID: deviceID, Credits: balance.Remaining()}, nil
}

// ClassifyIdentifier heuristically splits the legacy combined identifier:
// a fixed-length hex string (32 or 64 characters, the client's device id
// formats) is a device id, anything else is treated as a license key.
//
// This guess is inherited from the original API surface and is known to be
// fragile — a license key that happens to be 32 hex characters would be
// misrouted. The explicit license_key/device_id parameters exist so new
// clients never depend on it.
func ClassifyIdentifier(identifier string) (licenseKey, deviceID string) {
	if isHex(identifier) && (len(identifier) == 32 || len(identifier) == 64) {
		return "", identifier
	}
	return identifier, ""
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
