package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
)

const (
	sessionLockPrefix = "session_lock:"
	holdTTLPrefix     = "hold_ttl:"
	expiredChannel    = "__keyevent@0__:expired"
)

// holdTTLGrace keeps the marker alive past the hold's expiry so the expiry event never fires early.
const holdTTLGrace = time.Second

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Redis struct {
	Client  *redis.Client
	Logger  *logger.Logger
	LockTTL time.Duration
	Wait    time.Duration
}

func NewRedis(client *redis.Client, log *logger.Logger, lockTTL, wait time.Duration) *Redis {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Redis{
		Client:  client,
		Logger:  log,
		LockTTL: lockTTL,
		Wait:    wait,
	}
}

// Lock serializes check-and-reserve for one session across processes. It retries SETNX until
// Wait elapses, then fails with domain.ErrSessionBusy. The lock key expires after LockTTL so a
// crashed holder cannot wedge the session.
func (r *Redis) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := sessionLockPrefix + sessionID
	token := uuid.NewString()
	deadline := time.Now().Add(r.Wait)
	backoff := 5 * time.Millisecond

	for {
		ok, err := r.Client.SetNX(ctx, key, token, r.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() { r.unlock(key, token) })
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, domain.ErrSessionBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (r *Redis) unlock(key, token string) {
	// The caller's context may already be cancelled; the lock must still be released.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, r.Client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		r.Logger.Warn("REDIS", fmt.Sprintf("Failed to release %s: %v", key, err))
	}
}

// MarkHold stores a marker that expires just after the hold does. Its expiry event lets the
// reaper expire the hold without waiting for the next sweep.
func (r *Redis) MarkHold(ctx context.Context, holdID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return r.Client.Set(ctx, holdTTLPrefix+holdID, holdID, ttl+holdTTLGrace).Err()
}

// ClearHold removes the marker of a hold that left the pending state.
func (r *Redis) ClearHold(ctx context.Context, holdID string) error {
	return r.Client.Del(ctx, holdTTLPrefix+holdID).Err()
}

// HoldIDFromKey extracts the hold ID from an expired marker key.
func HoldIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, holdTTLPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, holdTTLPrefix)
	return id, id != ""
}

// EnableExpiryEvents turns on expired-key notifications. Managed Redis offerings may refuse
// CONFIG SET, in which case the reaper's sweep still expires holds.
func (r *Redis) EnableExpiryEvents(ctx context.Context) {
	val, err := r.Client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err == nil && len(val) == 2 {
		if current, ok := val[1].(string); ok && strings.Contains(current, "E") && strings.ContainsAny(current, "xA") {
			r.Logger.Info("REDIS", fmt.Sprintf("Keyspace notifications already enabled: %s", current))
			return
		}
	}

	if _, err := r.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result(); err != nil {
		r.Logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}
	r.Logger.Info("REDIS", "Keyspace notifications enabled for expired events")
}

// WatchExpiredHolds calls fn with the hold ID of every expired marker until ctx is done.
func (r *Redis) WatchExpiredHolds(ctx context.Context, fn func(holdID string)) error {
	pubsub := r.Client.PSubscribe(ctx, expiredChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", expiredChannel, err)
	}
	r.Logger.Info("REDIS", fmt.Sprintf("Subscribed to Redis keyevent expired notifications (DB %d)", r.Client.Options().DB))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if holdID, ok := HoldIDFromKey(msg.Payload); ok {
				r.Logger.Debug("REDIS", fmt.Sprintf("Hold marker expired: %s", holdID))
				fn(holdID)
			}
		}
	}
}
