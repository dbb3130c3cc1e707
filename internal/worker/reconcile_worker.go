package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/types"
)

// PendingMints lists tags with a submitted but unrecorded mint
type PendingMints interface {
	ListPendingMints(ctx context.Context, limit int) ([]*models.Tag, error)
}

// StaleBatches lists batches that have sat in one status for a while
type StaleBatches interface {
	ListStale(ctx context.Context, status types.BatchStatus, age time.Duration, limit int) ([]*models.Batch, error)
}

// TagReconciler resolves one tag's mint
type TagReconciler interface {
	Reconcile(ctx context.Context, tagCode string) (*service.ReconcileResult, error)
}

// BatchReconciler resolves one batch left anchoring
type BatchReconciler interface {
	ReconcileBatch(ctx context.Context, batchID string) (*service.BatchResult, error)
}

// ReconcileWorkerConfig holds configuration for the reconcile worker
type ReconcileWorkerConfig struct {
	Tags           PendingMints
	Batches        StaleBatches
	TagReconciler  TagReconciler
	BatchReconcile BatchReconciler
	PollInterval   time.Duration
	Limit          int
	// MinBatchAge keeps the worker away from batches still being created
	MinBatchAge time.Duration
}

// ReconcileStats counts the results of one cycle
type ReconcileStats struct {
	TagsResolved    int
	TagsPending     int
	TagsFailed      int
	BatchesResolved int
	BatchesPending  int
	BatchesFailed   int
}

func (s *ReconcileStats) total() int {
	return s.TagsResolved + s.TagsFailed + s.BatchesResolved + s.BatchesFailed
}

// ReconcileWorker periodically reconciles pending mints and anchoring batches
type ReconcileWorker struct {
	*runner
	tags        PendingMints
	batches     StaleBatches
	tagRec      TagReconciler
	batchRec    BatchReconciler
	limit       int
	minBatchAge time.Duration
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(cfg *ReconcileWorkerConfig) (*ReconcileWorker, error) {
	if cfg.Tags == nil || cfg.TagReconciler == nil {
		return nil, fmt.Errorf("tag source and reconciler cannot be nil")
	}
	if (cfg.Batches == nil) != (cfg.BatchReconcile == nil) {
		return nil, fmt.Errorf("batch source and batch reconciler must be set together")
	}

	w := &ReconcileWorker{
		tags:        cfg.Tags,
		batches:     cfg.Batches,
		tagRec:      cfg.TagReconciler,
		batchRec:    cfg.BatchReconcile,
		limit:       cfg.Limit,
		minBatchAge: cfg.MinBatchAge,
	}
	if w.limit <= 0 {
		w.limit = 100
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if w.minBatchAge <= 0 {
		w.minBatchAge = interval
	}
	w.runner = newRunner("reconcile", interval, w.poll)
	return w, nil
}

func (w *ReconcileWorker) poll(ctx context.Context) (int, error) {
	stats, err := w.Cycle(ctx)
	if stats == nil {
		return 0, err
	}
	return stats.total(), err
}

// Cycle runs one reconciliation pass over pending mints and stale batches
func (w *ReconcileWorker) Cycle(ctx context.Context) (*ReconcileStats, error) {
	logger := logging.FromContext(ctx)
	stats := &ReconcileStats{}

	tags, err := w.tags.ListPendingMints(ctx, w.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mints: %w", err)
	}
	for _, tag := range tags {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		_, err := w.tagRec.Reconcile(ctx, tag.TagCode)
		switch errors.Outcome(err) {
		case types.OutcomeSuccess:
			stats.TagsResolved++
		case types.OutcomePending:
			stats.TagsPending++
		default:
			stats.TagsFailed++
			logger.WithTag(tag.TagCode).WithError(err).Warn("Tag reconcile failed")
		}
	}

	if w.batches != nil {
		batches, err := w.batches.ListStale(ctx, types.BatchStatusAnchoring, w.minBatchAge, w.limit)
		if err != nil {
			return stats, fmt.Errorf("failed to list anchoring batches: %w", err)
		}
		for _, b := range batches {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			_, err := w.batchRec.ReconcileBatch(ctx, b.ID)
			switch errors.Outcome(err) {
			case types.OutcomeSuccess:
				stats.BatchesResolved++
			case types.OutcomePending:
				stats.BatchesPending++
			default:
				stats.BatchesFailed++
				logger.WithBatch(b.ID).WithError(err).Warn("Batch reconcile failed")
			}
		}
	}

	if len(tags) > 0 {
		logger.WithFields(map[string]interface{}{
			"resolved": stats.TagsResolved,
			"pending":  stats.TagsPending,
			"failed":   stats.TagsFailed,
		}).Info("Pending mints reconciled")
	}
	return stats, nil
}
