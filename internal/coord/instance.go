package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyWriterClaim holds the instance ID of the single order writer. Only
// the claim holder may submit orders; standby instances keep scoring but
// stay read-only.
const KeyWriterClaim = "claim:writer"

// refreshIfOwnerScript extends the claim TTL only for the current holder.
var refreshIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseIfOwnerScript drops the claim only for the current holder.
var releaseIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// ClaimWriter attempts to take the single-writer claim for this instance.
func (s *Store) ClaimWriter(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	return s.setNX(ctx, KeyWriterClaim, instanceID, ttl)
}

// RefreshWriter extends the claim while this instance still holds it.
// Returns false when the claim has been lost.
func (s *Store) RefreshWriter(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	s.checkHealth()
	if s.UsingRedis() {
		res, err := refreshIfOwnerScript.Run(ctx, s.client, []string{KeyWriterClaim},
			instanceID, ttl.Milliseconds()).Int()
		if err == nil {
			s.recordSuccess()
			return res == 1, nil
		}
		s.recordFailure(err)
	}

	return s.mem.compareAndRefresh(KeyWriterClaim, instanceID, ttl, s.clock.Now()), nil
}

// ReleaseWriter drops the claim on clean shutdown so a standby can take
// over immediately instead of waiting out the TTL.
func (s *Store) ReleaseWriter(ctx context.Context, instanceID string) error {
	s.checkHealth()
	if s.UsingRedis() {
		err := releaseIfOwnerScript.Run(ctx, s.client, []string{KeyWriterClaim}, instanceID).Err()
		if err == nil || errors.Is(err, redis.Nil) {
			s.recordSuccess()
			return nil
		}
		s.recordFailure(err)
	}

	s.mem.compareAndDel(KeyWriterClaim, instanceID, s.clock.Now())
	return nil
}

// CurrentWriter returns the instance ID currently holding the claim.
func (s *Store) CurrentWriter(ctx context.Context) (string, error) {
	val, err := s.get(ctx, KeyWriterClaim)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return val, err
}
