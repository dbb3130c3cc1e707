package adapter

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tag-anchor/internal/logging"
)

// RecordCache stores JSON values by key
type RecordCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// CachingRegistry serves anchor records from a cache. Anchors are written
// once per batch key, so only found records are cached.
type CachingRegistry struct {
	TagRegistry
	cache RecordCache
	key   func(batchKey common.Hash) string
}

// NewCachingRegistry wraps inner; keyFn maps a batch key to a cache key
func NewCachingRegistry(inner TagRegistry, cache RecordCache, keyFn func(batchKey common.Hash) string) *CachingRegistry {
	return &CachingRegistry{TagRegistry: inner, cache: cache, key: keyFn}
}

// AnchoredBatch reads through the cache
func (r *CachingRegistry) AnchoredBatch(ctx context.Context, batchKey common.Hash) (*AnchorRecord, bool, error) {
	logger := logging.FromContext(ctx).WithField("batchKey", batchKey.Hex())
	key := r.key(batchKey)

	var cached AnchorRecord
	found, err := r.cache.Get(ctx, key, &cached)
	if err != nil {
		logger.WithError(err).Debug("Anchor cache read failed")
	} else if found {
		return &cached, true, nil
	}

	rec, ok, err := r.TagRegistry.AnchoredBatch(ctx, batchKey)
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := r.cache.Set(ctx, key, rec); err != nil {
		logger.WithError(err).Debug("Anchor cache write failed")
	}
	return rec, true, nil
}
