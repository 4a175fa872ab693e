package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// TrialStore manages per-device credit records in Redis. Records are
// created lazily: the first balance read for an unknown device id writes a
// fresh record with the configured one-time grant.
type TrialStore struct {
	client    goredis.Cmdable
	keyPrefix string
	grant     pricing.Credits
}

// TrialOption configures a [TrialStore].
type TrialOption func(*TrialStore)

// WithTrialKeyPrefix sets the Redis key prefix (default "hw:").
func WithTrialKeyPrefix(prefix string) TrialOption {
	return func(s *TrialStore) { s.keyPrefix = prefix }
}

// WithTrialGrant sets the one-time credit allocation for new devices.
func WithTrialGrant(grant pricing.Credits) TrialOption {
	return func(s *TrialStore) { s.grant = grant }
}

// NewTrialStore creates a [TrialStore]. client must be a connected
// go-redis client.
func NewTrialStore(client goredis.Cmdable, opts ...TrialOption) *TrialStore {
	s := &TrialStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		grant:     DefaultTrialGrant,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *TrialStore) key(deviceID string) string {
	return s.keyPrefix + "device:" + deviceID
}

// Balance returns the device's balance, lazily initializing a record with
// the one-time grant on first observation. Any storage error is returned
// as-is; callers must treat it as an exhausted balance (fail closed).
func (s *TrialStore) Balance(ctx context.Context, deviceID string) (TrialBalance, error) {
	raw, err := s.client.Get(ctx, s.key(deviceID)).Result()
	if errors.Is(err, goredis.Nil) {
		return s.initialize(ctx, deviceID)
	}
	if err != nil {
		return TrialBalance{}, fmt.Errorf("billing: read device %s: %w", deviceID, err)
	}

	var b TrialBalance
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return TrialBalance{}, fmt.Errorf("billing: decode device record: %w", err)
	}
	return b, nil
}

// initialize writes the initial record for a new device. SETNX guards
// against a concurrent first request creating a second grant.
func (s *TrialStore) initialize(ctx context.Context, deviceID string) (TrialBalance, error) {
	fresh := TrialBalance{TotalAllocated: s.grant}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return TrialBalance{}, fmt.Errorf("billing: encode device record: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(deviceID), raw, 0).Result()
	if err != nil {
		return TrialBalance{}, fmt.Errorf("billing: init device %s: %w", deviceID, err)
	}
	if !created {
		// Lost the race to another request; read what it wrote.
		return s.Balance(ctx, deviceID)
	}

	slog.Info("trial device initialized", "device_id", deviceID, "grant", s.grant)
	return fresh, nil
}

// Deduct subtracts amount from the device balance, clamping Used at
// TotalAllocated so Remaining never goes negative regardless of how large
// the deduction is. Get-then-put without locking; see the package comment
// for the accepted race.
func (s *TrialStore) Deduct(ctx context.Context, deviceID string, amount pricing.Credits, meta DeductMeta) error {
	if amount <= 0 {
		return nil
	}

	b, err := s.Balance(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("billing: deduct read: %w", err)
	}

	b.Used += amount
	if b.Used > b.TotalAllocated {
		b.Used = b.TotalAllocated
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("billing: encode device record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(deviceID), raw, 0).Err(); err != nil {
		return fmt.Errorf("billing: deduct write: %w", err)
	}

	slog.Info("trial credits deducted",
		"device_id", deviceID,
		"credits", amount,
		"remaining", b.Remaining(),
		"request_id", meta.RequestID,
		"provider", meta.Provider,
	)
	return nil
}
