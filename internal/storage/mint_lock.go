package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another caller holds the mint lock for a tag
var ErrLockHeld = errors.New("mint already in progress for tag")

const mintLockPrefix = "tag-anchor:lock:mint:"

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// MintLock serialises mint submission per tag across instances
type MintLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMintLock creates a lock whose leases expire after ttl
func NewMintLock(store *RedisStore, ttl time.Duration) *MintLock {
	return &MintLock{client: store.Client(), ttl: ttl}
}

// Acquire takes the lock for tagCode. The returned release func is safe to
// call more than once and never removes a lease taken by someone else.
func (l *MintLock) Acquire(ctx context.Context, tagCode string) (func(), error) {
	key := mintLockPrefix + tagCode
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire mint lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("tag %s: %w", tagCode, ErrLockHeld)
	}

	release := func() {
		// Use a fresh context so a cancelled request still releases.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
