// Package ratelimit splits the market data provider's per-minute request
// allowance into priority tiers with a shared reserve. Consumption is
// non-blocking: a denied poll is skipped, never queued, so scan loops
// stay on cadence.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/marketclock"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Tier identifies a token bucket.
type Tier string

const (
	TierA       Tier = "tier_a"
	TierB       Tier = "tier_b"
	tierReserve Tier = "reserve"
)

const (
	keyBucket = "api_tokens:%s"           // tier
	keyBorrow = "api_tokens:borrow:%s:%s" // tier, minute

	bucketTTL = 2 * time.Minute
)

// Result reports the outcome of a consume attempt.
type Result struct {
	Allowed     bool
	FromReserve bool
}

// consumeScript decodes the tier bucket, lazily refilling it when the
// minute has rolled over, and takes one token. When the tier is empty and
// borrowing is permitted this minute, it takes one reserve token instead,
// marking the borrow so each tier dips into the reserve at most once per
// minute. Returns 1 for a tier token, 2 for a reserve token, 0 for denied.
var consumeScript = redis.NewScript(`
local bucket = cjson.decode(redis.call('GET', KEYS[1]) or '{}')
if bucket.minute ~= ARGV[1] then
  bucket = {minute=ARGV[1], tokens=tonumber(ARGV[2])}
end
if bucket.tokens > 0 then
  bucket.tokens = bucket.tokens - 1
  redis.call('SET', KEYS[1], cjson.encode(bucket), 'PX', ARGV[5])
  return 1
end
if ARGV[4] ~= '1' then
  return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
local reserve = cjson.decode(redis.call('GET', KEYS[2]) or '{}')
if reserve.minute ~= ARGV[1] then
  reserve = {minute=ARGV[1], tokens=tonumber(ARGV[3])}
end
if reserve.tokens <= 0 then
  return 0
end
reserve.tokens = reserve.tokens - 1
redis.call('SET', KEYS[2], cjson.encode(reserve), 'PX', ARGV[5])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[5])
return 2
`)

type bucketState struct {
	Minute string `json:"minute"`
	Tokens int    `json:"tokens"`
}

// Limiter enforces the tiered allowance. With a nil Redis client, or when
// Redis errors, it falls back to an in-process bucket with the same
// semantics so a single instance never exceeds the provider limit.
type Limiter struct {
	client *redis.Client
	cfg    config.RateLimitConfig
	clock  marketclock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	buckets  map[Tier]bucketState
	borrowed map[string]bool // tier:minute
}

// New builds a Limiter. client may be nil for in-process limiting.
func New(client *redis.Client, cfg config.RateLimitConfig, clock marketclock.Clock, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client:   client,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		buckets:  make(map[Tier]bucketState),
		borrowed: make(map[string]bool),
	}
}

func (l *Limiter) capacity(tier Tier) int {
	switch tier {
	case TierA:
		return l.cfg.TierATokens
	case TierB:
		return l.cfg.TierBTokens
	case tierReserve:
		return l.cfg.ReserveTokens
	default:
		return 0
	}
}

// minuteKey buckets an instant into its provider-limit minute.
func minuteKey(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// inBorrowWindow reports whether reserve borrowing is open: only the first
// seconds of each minute, so the reserve stays available for event-driven
// lookups later in the minute.
func (l *Limiter) inBorrowWindow(t time.Time) bool {
	return t.UTC().Second() < l.cfg.ReserveWindowSecs
}

// TryConsume takes one token for the tier without blocking. Exhausted
// tiers may borrow a single reserve token per minute, inside the borrow
// window only.
func (l *Limiter) TryConsume(ctx context.Context, tier Tier) (Result, error) {
	now := l.clock.Now()
	minute := minuteKey(now)
	borrow := "0"
	if l.inBorrowWindow(now) {
		borrow = "1"
	}

	if l.client != nil {
		keys := []string{
			fmt.Sprintf(keyBucket, tier),
			fmt.Sprintf(keyBucket, tierReserve),
			fmt.Sprintf(keyBorrow, tier, minute),
		}
		res, err := consumeScript.Run(ctx, l.client, keys,
			minute, l.capacity(tier), l.capacity(tierReserve), borrow, bucketTTL.Milliseconds()).Int()
		if err == nil {
			return Result{Allowed: res > 0, FromReserve: res == 2}, nil
		}
		l.logger.Warn().Err(err).Str("tier", string(tier)).
			Msg("Redis consume failed, using in-process bucket")
	}

	return l.consumeLocal(tier, minute, borrow == "1"), nil
}

func (l *Limiter) consumeLocal(tier Tier, minute string, borrowOK bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[tier]
	if b.Minute != minute {
		b = bucketState{Minute: minute, Tokens: l.capacity(tier)}
	}
	if b.Tokens > 0 {
		b.Tokens--
		l.buckets[tier] = b
		return Result{Allowed: true}
	}
	l.buckets[tier] = b

	if !borrowOK {
		return Result{}
	}

	borrowKey := string(tier) + ":" + minute
	if l.borrowed[borrowKey] {
		return Result{}
	}

	r := l.buckets[tierReserve]
	if r.Minute != minute {
		r = bucketState{Minute: minute, Tokens: l.capacity(tierReserve)}
	}
	if r.Tokens <= 0 {
		l.buckets[tierReserve] = r
		return Result{}
	}
	r.Tokens--
	l.buckets[tierReserve] = r
	l.borrowed[borrowKey] = true

	// Old borrow markers accumulate one per tier-minute; prune opportunistically.
	if len(l.borrowed) > 64 {
		for k := range l.borrowed {
			if k != borrowKey {
				delete(l.borrowed, k)
			}
		}
	}

	return Result{Allowed: true, FromReserve: true}
}

// Remaining reports the tokens left in each bucket for the current
// minute. Used by the ops API.
func (l *Limiter) Remaining(ctx context.Context) map[string]int {
	now := l.clock.Now()
	minute := minuteKey(now)
	out := make(map[string]int, 3)

	for _, tier := range []Tier{TierA, TierB, tierReserve} {
		out[string(tier)] = l.remainingFor(ctx, tier, minute)
	}
	return out
}

func (l *Limiter) remainingFor(ctx context.Context, tier Tier, minute string) int {
	if l.client != nil {
		raw, err := l.client.Get(ctx, fmt.Sprintf(keyBucket, tier)).Result()
		if err == nil {
			var b bucketState
			if json.Unmarshal([]byte(raw), &b) == nil && b.Minute == minute {
				return b.Tokens
			}
			return l.capacity(tier)
		}
		if err == redis.Nil {
			return l.capacity(tier)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[tier]; ok && b.Minute == minute {
		return b.Tokens
	}
	return l.capacity(tier)
}
