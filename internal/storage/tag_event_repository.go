package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/types"
)

// TagEventRepository writes and reads the ClickHouse audit journal
type TagEventRepository struct {
	db *ClickHouseDB
}

// NewTagEventRepository creates a new journal repository
func NewTagEventRepository(db *ClickHouseDB) *TagEventRepository {
	return &TagEventRepository{db: db}
}

// Record appends events in a single batch
func (r *TagEventRepository) Record(ctx context.Context, events ...*models.TagEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO tag_events (
			tag_code, batch_id, event, from_status, to_status, tx_hash, detail, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	for _, ev := range events {
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		err := batch.Append(
			ev.TagCode,
			ev.BatchID,
			string(ev.Event),
			ev.FromStatus,
			ev.ToStatus,
			ev.TxHash,
			ev.Detail,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append event for %s: %w", ev.TagCode, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	return nil
}

// ListByTag returns a tag's history in chronological order
func (r *TagEventRepository) ListByTag(ctx context.Context, tagCode string, limit int) ([]*models.TagEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT tag_code, batch_id, event, from_status, to_status, tx_hash, detail, created_at
		FROM tag_events
		WHERE tag_code = ?
		ORDER BY created_at
		LIMIT ?
	`, tagCode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag events: %w", err)
	}
	defer rows.Close()

	var out []*models.TagEvent
	for rows.Next() {
		var ev models.TagEvent
		var event string
		if err := rows.Scan(
			&ev.TagCode,
			&ev.BatchID,
			&event,
			&ev.FromStatus,
			&ev.ToStatus,
			&ev.TxHash,
			&ev.Detail,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tag event: %w", err)
		}
		ev.Event = types.TagEventType(event)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tag events: %w", err)
	}
	return out, nil
}
