package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultSequenceKey is the Redis key holding the last allocated tag sequence number
const DefaultSequenceKey = "tag-anchor:seq:tag"

// SequenceSeeder reports the highest sequence already persisted in the ledger
type SequenceSeeder interface {
	MaxSeq(ctx context.Context) (int64, error)
}

// RedisSequence hands out contiguous, never-reused ranges of tag sequence
// numbers across service instances.
type RedisSequence struct {
	client *redis.Client
	key    string
	seeder SequenceSeeder
}

// NewRedisSequence creates a sequence backed by key
func NewRedisSequence(store *RedisStore, key string, seeder SequenceSeeder) *RedisSequence {
	if key == "" {
		key = DefaultSequenceKey
	}
	return &RedisSequence{client: store.Client(), key: key, seeder: seeder}
}

// Allocate reserves n sequence numbers and returns the inclusive range
func (s *RedisSequence) Allocate(ctx context.Context, n int) (start, end int64, err error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("allocate %d sequence numbers: count must be positive", n)
	}

	if err := s.ensureSeeded(ctx); err != nil {
		return 0, 0, err
	}

	end, err = s.client.IncrBy(ctx, s.key, int64(n)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to allocate sequence range: %w", err)
	}
	return end - int64(n) + 1, end, nil
}

// Current returns the last allocated sequence number, or 0 when unseeded
func (s *RedisSequence) Current(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, s.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return v, nil
}

// ensureSeeded initialises the counter from the ledger the first time it is
// used, or after Redis lost its data. SETNX keeps racing seeders harmless.
func (s *RedisSequence) ensureSeeded(ctx context.Context) error {
	exists, err := s.client.Exists(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("failed to check sequence key: %w", err)
	}
	if exists > 0 {
		return nil
	}

	var max int64
	if s.seeder != nil {
		if max, err = s.seeder.MaxSeq(ctx); err != nil {
			return fmt.Errorf("failed to seed sequence: %w", err)
		}
	}

	if err := s.client.SetNX(ctx, s.key, max, 0).Err(); err != nil {
		return fmt.Errorf("failed to seed sequence: %w", err)
	}
	return nil
}
