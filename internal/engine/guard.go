package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard marks a guild's tick as in flight. Acquire reports false when a
// tick for the guild is already running; the returned release must be
// called when the tick ends.
type Guard interface {
	Acquire(ctx context.Context, guildID string) (release func(), ok bool, err error)
}

// MemoryGuard is a Guard for a single process.
type MemoryGuard struct {
	inFlight sync.Map
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

func (g *MemoryGuard) Acquire(_ context.Context, guildID string) (func(), bool, error) {
	if _, loaded := g.inFlight.LoadOrStore(guildID, struct{}{}); loaded {
		return nil, false, nil
	}
	return func() { g.inFlight.Delete(guildID) }, true, nil
}

// releaseScript deletes the marker only if it still holds our token, so an
// expired marker taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a Guard shared by every process using the same Redis. The
// marker expires after ttl so a crashed process cannot hold a guild forever.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisGuard creates a guard whose markers live for ttl.
func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func tickKey(guildID string) string {
	return fmt.Sprintf("stockmarket:tick:%s", guildID)
}

func (g *RedisGuard) Acquire(ctx context.Context, guildID string) (func(), bool, error) {
	key := tickKey(guildID)
	token := uuid.New().String()

	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire tick marker: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		releaseScript.Run(ctx, g.rdb, []string{key}, token)
	}
	return release, true, nil
}
