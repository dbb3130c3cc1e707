// Package service implements batch anchoring, lazy minting, tag lifecycle
// operations and reconciliation on top of the ledger and the tag registry.
package service

import (
	"context"
	"time"

	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/storage"
	"github.com/tag-anchor/internal/types"
)

// BatchStore interface for batch data operations
type BatchStore interface {
	Create(ctx context.Context, b *models.Batch) error
	GetByID(ctx context.Context, id string) (*models.Batch, error)
	RecordAnchorSubmission(ctx context.Context, id, root, manifestURI, txHash string) error
	RecordRoot(ctx context.Context, id, root, manifestURI string) error
	TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus, errMsg *string) error
	List(ctx context.Context, filters *storage.BatchFilters) ([]*models.Batch, error)
	ListStale(ctx context.Context, status types.BatchStatus, age time.Duration, limit int) ([]*models.Batch, error)
}

// TagStore interface for tag data operations
type TagStore interface {
	Insert(ctx context.Context, t *models.Tag) error
	InsertChunked(ctx context.Context, tags []*models.Tag, chunkSize int) error
	GetByCode(ctx context.Context, code string) (*models.Tag, error)
	CompareAndSetStatus(ctx context.Context, code string, from, to types.TagStatus) error
	Attach(ctx context.Context, code string, from types.TagStatus, animalID, ranchID *string) error
	MarkMintFailed(ctx context.Context, code string, from types.TagStatus) error
	SetMintTx(ctx context.Context, code, txHash string) error
	SetMintResult(ctx context.Context, code, tokenID, txHash string) error
	SetMetadataURI(ctx context.Context, code, uri string) error
	ListPendingMints(ctx context.Context, limit int) ([]*models.Tag, error)
	List(ctx context.Context, filters *storage.TagFilters) ([]*models.Tag, error)
	CountByBatch(ctx context.Context, batchID string) (int, error)
}

// OutboxStore queues chain calls for the outbox worker
type OutboxStore interface {
	Enqueue(ctx context.Context, e *models.OutboxEntry) error
	ListByTag(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error)
}

// SequenceAllocator hands out contiguous tag sequence ranges
type SequenceAllocator interface {
	Allocate(ctx context.Context, n int) (start, end int64, err error)
}

// MintLocker serialises mint submission for one tag
type MintLocker interface {
	Acquire(ctx context.Context, tagCode string) (func(), error)
}

// Journal records tag and batch events for audit
type Journal interface {
	Record(ctx context.Context, events ...*models.TagEvent) error
	ListByTag(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error)
}

// NoopJournal is used when the audit store is disabled
type NoopJournal struct{}

func (NoopJournal) Record(ctx context.Context, events ...*models.TagEvent) error { return nil }

func (NoopJournal) ListByTag(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
	return []*models.TagEvent{}, nil
}

// record writes to the journal; failures are logged and never surface
func record(ctx context.Context, j Journal, events ...*models.TagEvent) {
	if j == nil || len(events) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, ev := range events {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
	}
	if err := j.Record(ctx, events...); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("events", len(events)).Warn("Failed to write audit journal")
	}
}

// Options carries the settings the services need from config
type Options struct {
	CodePrefix          string
	ChunkSize           int
	MaxBatchSize        int
	OptimisticVerify    bool
	ChainID             int64
	ContractAddress     string
	StaleAnchoringAfter time.Duration
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CodePrefix:          cfg.Anchor.CodePrefix,
		ChunkSize:           cfg.Anchor.ChunkSize,
		MaxBatchSize:        cfg.Anchor.MaxBatchSize,
		OptimisticVerify:    cfg.Anchor.OptimisticVerify,
		ChainID:             cfg.Chain.ChainID,
		ContractAddress:     cfg.Chain.ContractAddress,
		StaleAnchoringAfter: cfg.Workers.StaleAnchoringAfter,
	}
}
