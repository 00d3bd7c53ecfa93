// Package coord provides the shared coordination state for the pipeline:
// single-flight locks, cooldowns, daily caps, idempotency claims, cutoff
// overrides, and the single-writer instance claim. All compound operations
// are atomic, via Lua scripts on Redis or under one mutex in the in-memory
// fallback, so concurrent scan loops cannot double-consume a cap or a lock.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/marketclock"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key formats for coordination state
const (
	KeyETFLock        = "lock:etf:%s"
	KeyDirectionLock  = "lock:direction:%s"
	KeyMixerCooldown  = "cooldown:mixer:%s"
	KeyDupEvent       = "dup:event:%s"
	KeySessionCap     = "cap:session:%s:%s" // symbol, day key
	KeyLLMDailyCap    = "cap:llm:%s"        // day key
	KeyLLMCache       = "llm:cache:%s:%s"   // event type, symbol
	KeyLLMMonthlyCost = "llm:cost:%s"       // month key "200601"
	KeyIdempotency    = "idem:%s"
	KeyCutoffRTH      = "cfg:signal_cutoff:rth"
	KeyCutoffEXT      = "cfg:signal_cutoff:ext"
)

// Stream names for published pipeline events
const (
	StreamSignals      = "stream:signals"
	StreamOrders       = "stream:orders"
	StreamSuppressions = "stream:suppressions"

	streamMaxLen = 10000
)

// ErrNotFound is returned when a requested key has no value.
var ErrNotFound = errors.New("coord: key not found")

// incrIfBelowScript atomically increments a counter only while it is below
// the cap, setting the TTL on first increment. Returns the new count, or 0
// when the cap is already reached.
var incrIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cap = tonumber(ARGV[1])
if current >= cap then
  return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return current
`)

// scoreEpsilon keeps score comparisons tolerant of float round-off, so a
// candidate exactly at prev+delta clears the cooldown.
const scoreEpsilon = 1e-9

// mixerEmitScript records the candidate's absolute score unless a prior
// score is still cooling down and the new one does not improve on it by
// at least the delta. Returns 1 when the emit is allowed.
var mixerEmitScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
local score = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
if prev and score < tonumber(prev) + delta - 1e-9 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Store coordinates pipeline state through Redis, degrading to an
// in-process store with identical semantics when Redis is missing or
// unhealthy. Single-process deployments may run with a nil client.
type Store struct {
	client *redis.Client
	mem    *memoryStore
	clock  marketclock.Clock
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewStore builds a Store. A nil config or disabled Redis yields a pure
// in-memory store.
func NewStore(cfg *config.RedisConfig, clock marketclock.Clock, logger zerolog.Logger) *Store {
	s := &Store{
		mem:           newMemoryStore(),
		clock:         clock,
		logger:        logger.With().Str("component", "coord").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	if cfg == nil || !cfg.Enabled {
		s.logger.Info().Msg("Redis disabled, using in-memory coordination")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Initial Redis connection failed, degrading to memory")
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("addr", cfg.Address).Msg("Redis connected")
	return s
}

// Client exposes the underlying Redis client for components that manage
// their own keys, such as the rate limiter. Nil when running in-memory.
func (s *Store) Client() *redis.Client {
	return s.client
}

// IsHealthy reports whether Redis is currently usable.
func (s *Store) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// UsingRedis reports whether operations are currently hitting Redis.
func (s *Store) UsingRedis() bool {
	return s.client != nil && s.IsHealthy()
}

func (s *Store) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Err(err).Int("failures", s.failureCount).
				Msg("Redis marked unhealthy, degrading to memory")
		}
		s.healthy = false
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy && s.client != nil {
		s.logger.Info().Msg("Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth probes a downed Redis in the background at most once per
// check interval.
func (s *Store) checkHealth() {
	if s.client == nil {
		return
	}

	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldCheck {
		s.lastCheck = time.Now()
	}
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// AcquireETFLock takes the single-flight lock on an inverse ETF. Only the
// holder may submit the ETF entry; the lock expires on its own so a crashed
// holder cannot wedge the basket.
func (s *Store) AcquireETFLock(ctx context.Context, symbol string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, fmt.Sprintf(KeyETFLock, symbol), "1", ttl)
}

// ReleaseETFLock drops the ETF lock early, after a rejected submission.
func (s *Store) ReleaseETFLock(ctx context.Context, symbol string) error {
	return s.del(ctx, fmt.Sprintf(KeyETFLock, symbol))
}

// HoldsETFLock reports whether the ETF lock is currently held by anyone.
func (s *Store) HoldsETFLock(ctx context.Context, symbol string) (bool, error) {
	_, err := s.get(ctx, fmt.Sprintf(KeyETFLock, symbol))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetDirectionLock records the side of a fill so opposite-direction
// entries on the same symbol are suppressed until the lock expires.
func (s *Store) SetDirectionLock(ctx context.Context, symbol, side string, ttl time.Duration) error {
	return s.set(ctx, fmt.Sprintf(KeyDirectionLock, symbol), side, ttl)
}

// DirectionLock returns the locked side for a symbol, if any.
func (s *Store) DirectionLock(ctx context.Context, symbol string) (string, bool, error) {
	val, err := s.get(ctx, fmt.Sprintf(KeyDirectionLock, symbol))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// AllowMixerEmit atomically checks the per-symbol cooldown and records the
// new absolute score when the emit is allowed. A candidate within the
// cooldown passes only if it improves on the recorded score by at least
// improvement.
func (s *Store) AllowMixerEmit(ctx context.Context, symbol string, absScore, improvement float64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyMixerCooldown, symbol)

	s.checkHealth()
	if s.UsingRedis() {
		res, err := mixerEmitScript.Run(ctx, s.client, []string{key},
			formatFloat(absScore), formatFloat(improvement), ttl.Milliseconds()).Int()
		if err == nil {
			s.recordSuccess()
			return res == 1, nil
		}
		s.recordFailure(err)
	}

	return s.mem.allowEmit(key, absScore, improvement, ttl, s.clock.Now()), nil
}

// MixerCooldownScore returns the score recorded by the last allowed emit
// for the cooldown key, without recording anything.
func (s *Store) MixerCooldownScore(ctx context.Context, cooldownKey string) (float64, bool, error) {
	val, err := s.get(ctx, fmt.Sprintf(KeyMixerCooldown, cooldownKey))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed cooldown score %q: %w", val, err)
	}
	return f, true, nil
}

// MarkEventSeen claims a deduplication slot for an event key. Returns true
// on first sighting; false means the same event already fired within the
// window.
func (s *Store) MarkEventSeen(ctx context.Context, eventKey string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, fmt.Sprintf(KeyDupEvent, eventKey), "1", ttl)
}

// ConsumeSessionSlot counts one actionable signal against the per-symbol
// daily cap. Returns false without incrementing when the cap is reached.
func (s *Store) ConsumeSessionSlot(ctx context.Context, symbol, dayKey string, cap int, ttl time.Duration) (bool, error) {
	_, ok, err := s.incrIfBelow(ctx, fmt.Sprintf(KeySessionCap, symbol, dayKey), cap, ttl)
	return ok, err
}

// SessionSlotsUsed returns the number of actionable signals already counted
// against the symbol's daily cap, without consuming one.
func (s *Store) SessionSlotsUsed(ctx context.Context, symbol, dayKey string) (int, error) {
	val, err := s.get(ctx, fmt.Sprintf(KeySessionCap, symbol, dayKey))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("malformed cap counter %q: %w", val, err)
	}
	return n, nil
}

// ConsumeLLMCall counts one LLM consult against the daily call cap.
func (s *Store) ConsumeLLMCall(ctx context.Context, dayKey string, cap int, ttl time.Duration) (bool, error) {
	_, ok, err := s.incrIfBelow(ctx, fmt.Sprintf(KeyLLMDailyCap, dayKey), cap, ttl)
	return ok, err
}

// ClaimIdempotency registers an order idempotency key. Returns true when
// this is the first claim; false means the same logical order was already
// submitted today.
func (s *Store) ClaimIdempotency(ctx context.Context, idemKey, orderRef string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, fmt.Sprintf(KeyIdempotency, idemKey), orderRef, ttl)
}

// ReleaseIdempotency frees a claimed key again, for callers whose submit
// never reached the broker and must stay retryable.
func (s *Store) ReleaseIdempotency(ctx context.Context, idemKey string) error {
	return s.del(ctx, fmt.Sprintf(KeyIdempotency, idemKey))
}

// CutoffOverride returns the operator override for a session cutoff, if
// one is set. The caller clamps the value to its allowed range.
func (s *Store) CutoffOverride(ctx context.Context, key string) (float64, bool, error) {
	val, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed cutoff override %q: %w", val, err)
	}
	return f, true, nil
}

// SetCutoffOverride stores an operator override for a session cutoff.
func (s *Store) SetCutoffOverride(ctx context.Context, key string, value float64) error {
	return s.set(ctx, key, formatFloat(value), 0)
}

// ClearCutoffOverride removes an operator override.
func (s *Store) ClearCutoffOverride(ctx context.Context, key string) error {
	return s.del(ctx, key)
}

// GetJSON loads and unmarshals a cached JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("unmarshaling cached value: %w", err)
	}
	return nil
}

// SetJSON marshals and stores a JSON value with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value for cache: %w", err)
	}
	return s.set(ctx, key, string(data), ttl)
}

// AddLLMCost accumulates estimated LLM spend for the month and returns the
// running total.
func (s *Store) AddLLMCost(ctx context.Context, monthKey string, usd float64) (float64, error) {
	key := fmt.Sprintf(KeyLLMMonthlyCost, monthKey)

	s.checkHealth()
	if s.UsingRedis() {
		total, err := s.client.IncrByFloat(ctx, key, usd).Result()
		if err == nil {
			s.recordSuccess()
			return total, nil
		}
		s.recordFailure(err)
	}

	return s.mem.incrByFloat(key, usd, s.clock.Now()), nil
}

// LLMCost returns the accumulated estimated spend for the month.
func (s *Store) LLMCost(ctx context.Context, monthKey string) (float64, error) {
	val, err := s.get(ctx, fmt.Sprintf(KeyLLMMonthlyCost, monthKey))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cost value %q: %w", val, err)
	}
	return f, nil
}

// PublishStream appends an event to a capped stream for external
// consumers. In memory mode this is a bounded ring kept for the ops API.
func (s *Store) PublishStream(ctx context.Context, stream string, fields map[string]interface{}) error {
	s.checkHealth()
	if s.UsingRedis() {
		err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: fields,
		}).Err()
		if err == nil {
			s.recordSuccess()
			return nil
		}
		s.recordFailure(err)
	}

	s.mem.appendStream(stream, fields)
	return nil
}

// StreamTail returns up to count most recent entries of an in-memory
// stream. Redis-backed deployments read streams directly.
func (s *Store) StreamTail(stream string, count int) []map[string]interface{} {
	return s.mem.streamTail(stream, count)
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Stats describes the store for monitoring.
type Stats struct {
	Backend      string `json:"backend"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
}

// GetStats returns current store statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backend := "memory"
	if s.client != nil {
		backend = "redis"
	}
	return Stats{
		Backend:      backend,
		Healthy:      s.healthy || s.client == nil,
		FailureCount: s.failureCount,
	}
}

// --- primitive operations with memory fallback ---

func (s *Store) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.checkHealth()
	if s.UsingRedis() {
		ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
		if err == nil {
			s.recordSuccess()
			return ok, nil
		}
		s.recordFailure(err)
	}

	return s.mem.setNX(key, value, ttl, s.clock.Now()), nil
}

func (s *Store) set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.checkHealth()
	if s.UsingRedis() {
		err := s.client.Set(ctx, key, value, ttl).Err()
		if err == nil {
			s.recordSuccess()
			return nil
		}
		s.recordFailure(err)
	}

	s.mem.set(key, value, ttl, s.clock.Now())
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	s.checkHealth()
	if s.UsingRedis() {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			s.recordSuccess()
			return val, nil
		}
		if errors.Is(err, redis.Nil) {
			s.recordSuccess()
			return "", ErrNotFound
		}
		s.recordFailure(err)
	}

	val, ok := s.mem.get(key, s.clock.Now())
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *Store) del(ctx context.Context, key string) error {
	s.checkHealth()
	if s.UsingRedis() {
		err := s.client.Del(ctx, key).Err()
		if err == nil {
			s.recordSuccess()
			return nil
		}
		s.recordFailure(err)
	}

	s.mem.del(key)
	return nil
}

func (s *Store) incrIfBelow(ctx context.Context, key string, cap int, ttl time.Duration) (int64, bool, error) {
	s.checkHealth()
	if s.UsingRedis() {
		res, err := incrIfBelowScript.Run(ctx, s.client, []string{key},
			cap, ttl.Milliseconds()).Int64()
		if err == nil {
			s.recordSuccess()
			return res, res > 0, nil
		}
		s.recordFailure(err)
	}

	count, ok := s.mem.incrIfBelow(key, cap, ttl, s.clock.Now())
	return count, ok, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
