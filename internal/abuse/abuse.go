// Package abuse implements the IP-level abuse guard: a static blocklist
// checked before any parsing or auth, and a per-IP daily credit quota
// layered on top of trial usage.
//
// The daily quota exists specifically to blunt the obvious attack of
// generating fresh device ids from the same network: a trial request must
// pass both the device-credit check and this per-IP cap, and successful
// delivery decrements both. Quota records are keyed by (ip, UTC date) and
// expire a few hours after day rollover.
//
// All storage errors fail closed — an unreadable quota denies service,
// since the quota directly bounds cost exposure.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// DefaultDailyLimit is the per-IP daily credit cap.
const DefaultDailyLimit = pricing.Credits(3000) // 300.0 credits per IP per UTC day

// quotaTTL keeps a day's record alive past the UTC rollover so a request
// straddling midnight still resolves; the key pattern makes the next day's
// reads miss it regardless.
const quotaTTL = 25 * time.Hour

// Decision is the outcome of a rate-limit check, carrying the remediation
// data the caller needs for a 429 body.
type Decision struct {
	Allowed          bool
	CreditsUsed      pricing.Credits
	CreditsRemaining pricing.Credits
	ResetsAt         time.Time
}

// Guard checks and records per-IP usage in Redis.
type Guard struct {
	client     goredis.Cmdable
	keyPrefix  string
	dailyLimit pricing.Credits
	now        func() time.Time
}

// Option configures a [Guard].
type Option func(*Guard)

// WithKeyPrefix sets the Redis key prefix (default "hw:").
func WithKeyPrefix(prefix string) Option {
	return func(g *Guard) { g.keyPrefix = prefix }
}

// WithDailyLimit overrides the per-IP daily credit cap.
func WithDailyLimit(limit pricing.Credits) Option {
	return func(g *Guard) { g.dailyLimit = limit }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a [Guard].
func New(client goredis.Cmdable, opts ...Option) *Guard {
	g := &Guard{
		client:     client,
		keyPrefix:  "hw:",
		dailyLimit: DefaultDailyLimit,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) blockKey(ip string) string {
	return g.keyPrefix + "ipblock:" + ip
}

func (g *Guard) quotaKey(ip string, day time.Time) string {
	return g.keyPrefix + "ipquota:" + ip + ":" + day.UTC().Format("2006-01-02")
}

// Blocked reports whether ip is on the blocklist. Storage errors fail
// closed: an unverifiable IP is treated as blocked.
func (g *Guard) Blocked(ctx context.Context, ip string) (bool, error) {
	err := g.client.Get(ctx, g.blockKey(ip)).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("abuse: read blocklist: %w", err)
	}
	return true, nil
}

// Block flags ip for ttl. The flag is normally set by an external abuse
// detection job; this method exists for that job's admin path.
func (g *Guard) Block(ctx context.Context, ip string, ttl time.Duration) error {
	if err := g.client.Set(ctx, g.blockKey(ip), "1", ttl).Err(); err != nil {
		return fmt.Errorf("abuse: set blocklist: %w", err)
	}
	return nil
}

// CheckRateLimit decides whether estimate more credits fit under today's
// cap for ip. It does not consume quota — [Guard.RecordUsage] does, after
// successful delivery, with the actual cost.
func (g *Guard) CheckRateLimit(ctx context.Context, ip string, estimate pricing.Credits) (Decision, error) {
	now := g.now().UTC()
	used, err := g.usedToday(ctx, ip, now)
	if err != nil {
		return Decision{}, err
	}

	remaining := g.dailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:          used+estimate <= g.dailyLimit,
		CreditsUsed:      used,
		CreditsRemaining: remaining,
		ResetsAt:         nextUTCMidnight(now),
	}, nil
}

// RecordUsage adds the actual cost of a delivered request to today's
// counter. Errors are logged, not returned: usage recording runs on the
// post-response path and must never surface.
func (g *Guard) RecordUsage(ctx context.Context, ip string, actual pricing.Credits) {
	if actual <= 0 {
		return
	}
	key := g.quotaKey(ip, g.now().UTC())

	pipe := g.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(actual))
	pipe.ExpireNX(ctx, key, quotaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("ip quota increment failed", "err", err)
	}
}

// usedToday reads today's counter; a missing key is zero usage.
func (g *Guard) usedToday(ctx context.Context, ip string, now time.Time) (pricing.Credits, error) {
	raw, err := g.client.Get(ctx, g.quotaKey(ip, now)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("abuse: read ip quota: %w", err)
	}
	tenths, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("abuse: decode ip quota: %w", err)
	}
	return pricing.Credits(tenths), nil
}

// nextUTCMidnight returns the start of the next UTC day.
func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
