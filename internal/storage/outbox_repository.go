package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/types"
)

const outboxColumns = `id::text, kind, tag_code, token_id, payload, status, attempts,
	last_error, tx_hash, next_attempt_at, created_at, updated_at`

// OutboxRepository persists queued chain calls
type OutboxRepository struct {
	db *PostgresDB
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *PostgresDB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue stores a new pending entry, assigning an id when missing
func (r *OutboxRepository) Enqueue(ctx context.Context, e *models.OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = types.OutboxStatusPending

	query := `
		INSERT INTO chain_outbox (id, kind, tag_code, token_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING next_attempt_at, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID, e.Kind, e.TagCode, e.TokenID, e.Payload, e.Status,
	).Scan(&e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit due entries by pushing their next attempt
// forward, so concurrent workers do not pick the same rows.
func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*models.OutboxEntry, error) {
	query := `
		UPDATE chain_outbox
		SET next_attempt_at = NOW() + $2::interval, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM chain_outbox
			WHERE status IN ('pending', 'submitted') AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.db.Pool().Query(ctx, query, limit, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}
	return out, nil
}

// MarkSubmitted records the tx hash of a sent entry
func (r *OutboxRepository) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return r.update(ctx, `
		UPDATE chain_outbox
		SET status = 'submitted', tx_hash = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, txHash)
}

// MarkDone completes an entry
func (r *OutboxRepository) MarkDone(ctx context.Context, id string) error {
	return r.update(ctx, `
		UPDATE chain_outbox SET status = 'done', last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'submitted')
	`, id)
}

// MarkRetry returns an entry to pending with a delayed next attempt.
// A reverted submission clears its tx hash so the call is sent again.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	return r.update(ctx, `
		UPDATE chain_outbox
		SET status = 'pending', tx_hash = NULL, attempts = $2, last_error = $3,
		    next_attempt_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'submitted')
	`, id, attempts, lastErr, next)
}

// MarkFailed parks an entry for operator attention
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return r.update(ctx, `
		UPDATE chain_outbox SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'submitted')
	`, id, lastErr)
}

// ListByTag returns a tag's outbox history, newest first
func (r *OutboxRepository) ListByTag(ctx context.Context, tagCode string) ([]*models.OutboxEntry, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+outboxColumns+` FROM chain_outbox WHERE tag_code = $1 ORDER BY created_at DESC`, tagCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *OutboxRepository) update(ctx context.Context, query string, args ...interface{}) error {
	tag, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %v: %w", args[0], ErrStatusConflict)
	}
	return nil
}

func scanOutbox(row pgx.Row) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.TagCode,
		&e.TokenID,
		&e.Payload,
		&e.Status,
		&e.Attempts,
		&e.LastError,
		&e.TxHash,
		&e.NextAttemptAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
