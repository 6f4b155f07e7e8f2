package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxChat/internal/pkg/cache"
)

// SyncThrottle caps implicit full syncs per user. Allow claims the slot for
// the user and reports whether a sync may run now. Release gives the slot
// back after a sync that did not complete.
type SyncThrottle interface {
	Allow(ctx context.Context, userID string) bool
	Release(ctx context.Context, userID string)
}

// NoThrottle allows every sync.
type NoThrottle struct{}

func (NoThrottle) Allow(context.Context, string) bool { return true }

func (NoThrottle) Release(context.Context, string) {}

// MemorySyncThrottle keeps claims in process memory.
type MemorySyncThrottle struct {
	window time.Duration
	claims *cache.TTLCache[string, struct{}]
}

func NewMemorySyncThrottle(window time.Duration) *MemorySyncThrottle {
	return &MemorySyncThrottle{
		window: window,
		claims: cache.NewTTLCache[string, struct{}](),
	}
}

func (t *MemorySyncThrottle) Allow(_ context.Context, userID string) bool {
	if t.window <= 0 {
		return true
	}
	return t.claims.SetIfAbsent(userID, struct{}{}, t.window)
}

func (t *MemorySyncThrottle) Release(_ context.Context, userID string) {
	t.claims.Delete(userID)
}

// RedisSyncThrottle shares claims across instances via SET NX.
type RedisSyncThrottle struct {
	rdb    *redis.Client
	window time.Duration
	// fallback is used when Redis cannot be reached.
	fallback *MemorySyncThrottle
}

func NewRedisSyncThrottle(rdb *redis.Client, window time.Duration) *RedisSyncThrottle {
	return &RedisSyncThrottle{
		rdb:      rdb,
		window:   window,
		fallback: NewMemorySyncThrottle(window),
	}
}

func (t *RedisSyncThrottle) Allow(ctx context.Context, userID string) bool {
	if t.window <= 0 {
		return true
	}
	ok, err := t.rdb.SetNX(ctx, syncThrottleKey(userID), time.Now().Unix(), t.window).Result()
	if err != nil {
		log.Warnf("[Billing] sync throttle unavailable, using local state: %v", err)
		return t.fallback.Allow(ctx, userID)
	}
	return ok
}

func (t *RedisSyncThrottle) Release(ctx context.Context, userID string) {
	t.fallback.Release(ctx, userID)
	if err := t.rdb.Del(ctx, syncThrottleKey(userID)).Err(); err != nil {
		log.Warnf("[Billing] could not release sync throttle for %s: %v", userID, err)
	}
}

func syncThrottleKey(userID string) string {
	return "billing:sync:" + userID
}

// NewSyncThrottle picks Redis when a client is available.
func NewSyncThrottle(rdb *redis.Client, window time.Duration) SyncThrottle {
	if window <= 0 {
		return NoThrottle{}
	}
	if rdb != nil {
		return NewRedisSyncThrottle(rdb, window)
	}
	return NewMemorySyncThrottle(window)
}
