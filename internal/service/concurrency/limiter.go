package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Limiter coordinates how many calls the whole fleet may have in flight,
// using Redis counters, plus a per-lead dial lock so two dispatcher
// replicas never ring the same person at once.
type Limiter struct {
	client    *redis.Client
	slotLimit int
	ttl       time.Duration
	keyPrefix string
}

// NewLimiter constructs a concurrency limiter. A slotLimit of zero
// disables the global cap; lead locks still apply.
func NewLimiter(client *redis.Client, slotLimit int, ttl time.Duration, keyPrefix string) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if keyPrefix == "" {
		keyPrefix = "orchestrator"
	}
	return &Limiter{client: client, slotLimit: slotLimit, ttl: ttl, keyPrefix: keyPrefix}
}

// AcquireSlot attempts to reserve one global dialing slot.
func (l *Limiter) AcquireSlot(ctx context.Context) (bool, error) {
	if l.slotLimit <= 0 {
		return true, nil
	}

	script := redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

	res, err := script.Run(ctx, l.client, []string{l.slotKey()}, l.slotLimit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// ReleaseSlot frees a previously acquired slot.
func (l *Limiter) ReleaseSlot(ctx context.Context) error {
	if l.slotLimit <= 0 {
		return nil
	}
	script := redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)
	if _, err := script.Run(ctx, l.client, []string{l.slotKey()}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// LockLead takes the per-lead dial lock. The returned token must be handed
// back to UnlockLead; an empty token means the lead is already being
// dialed elsewhere.
func (l *Limiter) LockLead(ctx context.Context, leadID int64) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.leadKey(leadID), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lead lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// UnlockLead releases the per-lead dial lock, but only for the holder of
// the token.
func (l *Limiter) UnlockLead(ctx context.Context, leadID int64, token string) error {
	script := redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.leadKey(leadID)}, token).Int(); err != nil {
		return fmt.Errorf("lead unlock: %w", err)
	}
	return nil
}

func (l *Limiter) slotKey() string {
	return fmt.Sprintf("%s:dial:active", l.keyPrefix)
}

func (l *Limiter) leadKey(leadID int64) string {
	return fmt.Sprintf("%s:dial:lead:%d", l.keyPrefix, leadID)
}
