package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/types"
)

const batchColumns = `id::text, name, count, material, color, model, code_prefix, seq_start, seq_end,
	status, merkle_root, manifest_uri, anchor_tx_hash, error, created_at, updated_at`

// BatchRepository handles batch persistence
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

// BatchFilters narrows a batch listing
type BatchFilters struct {
	Status *types.BatchStatus
	Limit  int
	Offset int
}

// Create inserts a new batch row
func (r *BatchRepository) Create(ctx context.Context, b *models.Batch) error {
	query := `
		INSERT INTO batches (
			id, name, count, material, color, model, code_prefix, seq_start, seq_end, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		b.ID,
		b.Name,
		b.Count,
		b.Material,
		b.Color,
		b.Model,
		b.CodePrefix,
		b.SeqStart,
		b.SeqEnd,
		b.Status,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	return nil
}

// GetByID retrieves a batch by id
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*models.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// RecordAnchorSubmission stores the root, manifest locator and anchor tx hash
// while the batch is still anchoring.
func (r *BatchRepository) RecordAnchorSubmission(ctx context.Context, id, root, manifestURI, txHash string) error {
	query := `
		UPDATE batches
		SET merkle_root = $2, manifest_uri = $3, anchor_tx_hash = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, root, manifestURI, txHash, types.BatchStatusAnchoring)
	if err != nil {
		return fmt.Errorf("failed to record anchor submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s is not anchoring: %w", id, ErrStatusConflict)
	}
	return nil
}

// RecordRoot stores the root and manifest locator before submission
func (r *BatchRepository) RecordRoot(ctx context.Context, id, root, manifestURI string) error {
	query := `
		UPDATE batches
		SET merkle_root = $2, manifest_uri = $3, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, root, manifestURI); err != nil {
		return fmt.Errorf("failed to record batch root: %w", err)
	}
	return nil
}

// TransitionStatus moves a batch from one status to another, failing with
// ErrStatusConflict when the stored status is not from.
func (r *BatchRepository) TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus, errMsg *string) error {
	query := `
		UPDATE batches
		SET status = $3, error = COALESCE($4, error), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, to, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not in status %s: %w", id, from, ErrStatusConflict)
	}
	return nil
}

// List returns batches newest first
func (r *BatchRepository) List(ctx context.Context, filters *BatchFilters) ([]*models.Batch, error) {
	limit, offset := 50, 0
	var status *types.BatchStatus
	if filters != nil {
		if filters.Limit > 0 {
			limit = filters.Limit
		}
		offset = filters.Offset
		status = filters.Status
	}

	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	return collectBatches(rows)
}

// ListStale returns batches that have sat in status for longer than age
func (r *BatchRepository) ListStale(ctx context.Context, status types.BatchStatus, age time.Duration, limit int) ([]*models.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, time.Now().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale batches: %w", err)
	}
	defer rows.Close()

	return collectBatches(rows)
}

// MaxSeq returns the highest sequence number reserved by any batch or tag
func (r *BatchRepository) MaxSeq(ctx context.Context) (int64, error) {
	query := `
		SELECT COALESCE(GREATEST(
			(SELECT MAX(seq_end) FROM batches),
			(SELECT MAX(seq) FROM tags)
		), 0)
	`

	var max int64
	if err := r.db.Pool().QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max, nil
}

func collectBatches(rows pgx.Rows) ([]*models.Batch, error) {
	var out []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var b models.Batch
	err := row.Scan(
		&b.ID,
		&b.Name,
		&b.Count,
		&b.Material,
		&b.Color,
		&b.Model,
		&b.CodePrefix,
		&b.SeqStart,
		&b.SeqEnd,
		&b.Status,
		&b.MerkleRoot,
		&b.ManifestURI,
		&b.AnchorTxHash,
		&b.Error,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
