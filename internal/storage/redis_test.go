package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tag-anchor/internal/config"
)

type fixedSeeder struct {
	max   int64
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fixedSeeder) MaxSeq(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.max, f.err
}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreFromClient(client), mr
}

func TestNewRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(&config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 2})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.NoError(t, store.Ping(testContext(t)))
}

func TestRedisSequence_SeedsFromLedger(t *testing.T) {
	store, _ := setupTestRedis(t)
	seeder := &fixedSeeder{max: 41}
	seq := NewRedisSequence(store, "", seeder)
	ctx := testContext(t)

	start, end, err := seq.Allocate(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(42), start)
	assert.Equal(t, int64(46), end)

	start, end, err = seq.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(47), start)
	assert.Equal(t, int64(47), end)

	assert.Equal(t, 1, seeder.calls)

	cur, err := seq.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(47), cur)
}

func TestRedisSequence_ConcurrentRangesDoNotOverlap(t *testing.T) {
	store, _ := setupTestRedis(t)
	seq := NewRedisSequence(store, "seq:test", &fixedSeeder{})
	ctx := testContext(t)

	const workers, size = 8, 10
	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start, end, err := seq.Allocate(ctx, size)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for n := start; n <= end; n++ {
				assert.False(t, seen[n], "sequence %d allocated twice", n)
				seen[n] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*size)
}

func TestRedisSequence_ReseedsAfterDataLoss(t *testing.T) {
	store, mr := setupTestRedis(t)
	seeder := &fixedSeeder{max: 10}
	seq := NewRedisSequence(store, "", seeder)
	ctx := testContext(t)

	_, _, err := seq.Allocate(ctx, 3)
	require.NoError(t, err)

	mr.FlushAll()
	seeder.max = 13

	start, _, err := seq.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(14), start)
}

func TestRedisSequence_Errors(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := testContext(t)

	_, _, err := NewRedisSequence(store, "", nil).Allocate(ctx, 0)
	assert.Error(t, err)

	boom := errors.New("ledger down")
	_, _, err = NewRedisSequence(store, "seq:err", &fixedSeeder{err: boom}).Allocate(ctx, 1)
	assert.ErrorIs(t, err, boom)
}

func TestMintLock(t *testing.T) {
	store, mr := setupTestRedis(t)
	lock := NewMintLock(store, time.Minute)
	ctx := testContext(t)

	release, err := lock.Acquire(ctx, "TAG-000001")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "TAG-000001")
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := lock.Acquire(ctx, "TAG-000002")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := lock.Acquire(ctx, "TAG-000001")
	require.NoError(t, err)
	defer again()

	// An expired lease taken over by another holder must survive a stale release.
	mr.FastForward(2 * time.Minute)
	stale := again
	taken, err := lock.Acquire(ctx, "TAG-000001")
	require.NoError(t, err)
	stale()
	_, err = lock.Acquire(ctx, "TAG-000001")
	assert.ErrorIs(t, err, ErrLockHeld)
	taken()
}

func TestCacheService_RoundTrip(t *testing.T) {
	store, mr := setupTestRedis(t)
	cache := NewCacheService(store, time.Hour)
	ctx := testContext(t)

	key := CacheKey("anchor", "84532", "0xABC", "0xDEF")
	assert.Equal(t, "tag-anchor:cache:anchor:84532:0xabc:0xdef", key)

	var got map[string]string
	found, err := cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, key, map[string]string{"root": "0x01"}))
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0x01", got["root"])
	assert.Equal(t, time.Hour, mr.TTL(key))

	require.NoError(t, cache.Invalidate(ctx, key))
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)
}
