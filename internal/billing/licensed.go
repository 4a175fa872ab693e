package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// ErrLicenseInvalid is returned when the billing backend reports the
// license key as unknown or exhausted of validity.
var ErrLicenseInvalid = errors.New("billing: license invalid")

// LicenseStore mirrors the external billing system's per-license balance
// through a short-TTL Redis cache. The external system remains
// authoritative; this store only bounds validation round trips.
type LicenseStore struct {
	client     goredis.Cmdable
	backend    *http.Client
	backendURL string
	keyPrefix  string
	validTTL   time.Duration
	invalidTTL time.Duration
	now        func() time.Time
}

// LicenseOption configures a [LicenseStore].
type LicenseOption func(*LicenseStore)

// WithLicenseKeyPrefix sets the Redis key prefix (default "hw:").
func WithLicenseKeyPrefix(prefix string) LicenseOption {
	return func(s *LicenseStore) { s.keyPrefix = prefix }
}

// WithLicenseTTLs overrides the cache TTLs for valid and invalid entries.
func WithLicenseTTLs(valid, invalid time.Duration) LicenseOption {
	return func(s *LicenseStore) { s.validTTL, s.invalidTTL = valid, invalid }
}

// WithLicenseHTTPClient overrides the HTTP client used for backend calls.
func WithLicenseHTTPClient(c *http.Client) LicenseOption {
	return func(s *LicenseStore) { s.backend = c }
}

// WithLicenseClock overrides the time source. Used in tests.
func WithLicenseClock(now func() time.Time) LicenseOption {
	return func(s *LicenseStore) { s.now = now }
}

// NewLicenseStore creates a [LicenseStore] talking to the billing backend
// at backendURL.
func NewLicenseStore(client goredis.Cmdable, backendURL string, opts ...LicenseOption) (*LicenseStore, error) {
	if backendURL == "" {
		return nil, errors.New("billing: backendURL must not be empty")
	}
	s := &LicenseStore{
		client:     client,
		backend:    &http.Client{Timeout: 15 * time.Second},
		backendURL: backendURL,
		keyPrefix:  defaultKeyPrefix,
		validTTL:   DefaultValidTTL,
		invalidTTL: DefaultInvalidTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *LicenseStore) key(licenseKey string) string {
	return s.keyPrefix + "license:" + licenseKey
}

// validateResponse is the billing backend's validation reply.
type validateResponse struct {
	Valid   bool            `json:"valid"`
	Credits pricing.Credits `json:"credits"`
}

// deductResponse is the billing backend's deduction reply.
type deductResponse struct {
	CreditsRemaining pricing.Credits `json:"credits_remaining"`
}

// Status returns the license's cached status, calling the billing backend
// on a cache miss. Valid results are cached briefly (balance changes with
// usage); invalid results are cached for an hour to deter probing. Any
// backend or storage error reads as invalid (fail closed).
func (s *LicenseStore) Status(ctx context.Context, licenseKey string) (LicenseStatus, error) {
	raw, err := s.client.Get(ctx, s.key(licenseKey)).Result()
	if err == nil {
		var cached LicenseStatus
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		// Corrupt entry: fall through to revalidate.
	} else if !errors.Is(err, goredis.Nil) {
		return LicenseStatus{}, fmt.Errorf("billing: read license cache: %w", err)
	}

	return s.revalidate(ctx, licenseKey)
}

// Refresh forces a backend validation, bypassing the cache. Used on
// explicit purchase/refresh events.
func (s *LicenseStore) Refresh(ctx context.Context, licenseKey string) (LicenseStatus, error) {
	return s.revalidate(ctx, licenseKey)
}

// revalidate calls the billing backend and overwrites the cache entry with
// an outcome-dependent TTL.
func (s *LicenseStore) revalidate(ctx context.Context, licenseKey string) (LicenseStatus, error) {
	var resp validateResponse
	err := s.post(ctx, "/v1/licenses/validate", map[string]string{"license_key": licenseKey}, &resp)
	if err != nil {
		return LicenseStatus{}, fmt.Errorf("billing: validate license: %w", err)
	}

	status := LicenseStatus{
		Credits:  resp.Credits,
		Valid:    resp.Valid,
		CachedAt: s.now().UTC(),
	}
	s.cache(ctx, licenseKey, status)
	return status, nil
}

// cache writes the status entry. Cache write failures are logged only; the
// validation result is already in hand.
func (s *LicenseStore) cache(ctx context.Context, licenseKey string, status LicenseStatus) {
	ttl := s.validTTL
	if !status.Valid {
		ttl = s.invalidTTL
	}
	raw, err := json.Marshal(status)
	if err != nil {
		slog.Warn("license cache encode failed", "err", err)
		return
	}
	if err := s.client.Set(ctx, s.key(licenseKey), raw, ttl).Err(); err != nil {
		slog.Warn("license cache write failed", "err", err)
	}
}

// Deduct reports usage to the billing backend and refreshes the local
// cache with the post-deduction balance, so a rapid sequence of requests
// from the same license observes a consistent, decreasing balance without
// a fresh validation round trip each time.
func (s *LicenseStore) Deduct(ctx context.Context, licenseKey string, amount pricing.Credits, meta DeductMeta) error {
	if amount <= 0 {
		return nil
	}

	payload := struct {
		LicenseKey string          `json:"license_key"`
		Credits    pricing.Credits `json:"credits"`
		Meta       DeductMeta      `json:"metadata"`
	}{licenseKey, amount, meta}

	var resp deductResponse
	if err := s.post(ctx, "/v1/licenses/deduct", payload, &resp); err != nil {
		return fmt.Errorf("billing: deduct: %w", err)
	}

	s.cache(ctx, licenseKey, LicenseStatus{
		Credits:  resp.CreditsRemaining,
		Valid:    true,
		CachedAt: s.now().UTC(),
	})

	slog.Info("license credits deducted",
		"credits", amount,
		"remaining", resp.CreditsRemaining,
		"request_id", meta.RequestID,
		"provider", meta.Provider,
	)
	return nil
}

// post sends a JSON request to the billing backend and decodes the reply.
func (s *LicenseStore) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backendURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.backend.Do(req)
	if err != nil {
		return fmt.Errorf("backend call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
