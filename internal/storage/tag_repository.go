package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/tag-anchor/internal/models"
	"github.com/tag-anchor/internal/types"
)

const tagColumns = `tag_code, seq, batch_id::text, chain_id, contract_address, token_id, mint_tx_hash,
	merkle_proof, status, animal_id, ranch_id, metadata_uri, created_at, updated_at`

const insertTagQuery = `
	INSERT INTO tags (
		tag_code, seq, batch_id, chain_id, contract_address, token_id, mint_tx_hash,
		merkle_proof, status, animal_id, ranch_id, metadata_uri
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// DefaultChunkSize bounds the number of rows sent per insert round trip
const DefaultChunkSize = 500

// TagRepository handles tag persistence
type TagRepository struct {
	db *PostgresDB
}

// NewTagRepository creates a new tag repository
func NewTagRepository(db *PostgresDB) *TagRepository {
	return &TagRepository{db: db}
}

// TagFilters narrows a tag listing
type TagFilters struct {
	BatchID *string
	Status  *types.TagStatus
	Limit   int
	Offset  int
}

// Insert inserts a single tag row (legacy pre-minted tags)
func (r *TagRepository) Insert(ctx context.Context, t *models.Tag) error {
	_, err := r.db.Pool().Exec(ctx, insertTagQuery, tagArgs(t)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tag %s: %w", t.TagCode, ErrDuplicateTagCode)
		}
		return fmt.Errorf("failed to insert tag: %w", err)
	}
	return nil
}

// InsertChunked inserts all tags in one transaction, sending at most
// chunkSize statements per round trip. Either every row lands or none does.
func (r *TagRepository) InsertChunked(ctx context.Context, tags []*models.Tag, chunkSize int) error {
	if len(tags) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tag insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	for start := 0; start < len(tags); start += chunkSize {
		end := start + chunkSize
		if end > len(tags) {
			end = len(tags)
		}

		batch := &pgx.Batch{}
		for _, t := range tags[start:end] {
			batch.Queue(insertTagQuery, tagArgs(t)...)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("chunk %d-%d: %w", start, end-1, ErrDuplicateTagCode)
			}
			return fmt.Errorf("failed to insert chunk %d-%d: %w", start, end-1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tag insert: %w", err)
	}
	return nil
}

// GetByCode retrieves a tag by its code
func (r *TagRepository) GetByCode(ctx context.Context, code string) (*models.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE tag_code = $1`

	t, err := scanTag(r.db.Pool().QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tag %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}
	return t, nil
}

// CompareAndSetStatus moves a tag from one status to another. The row is
// untouched and ErrStatusConflict returned when the stored status is not from.
func (r *TagRepository) CompareAndSetStatus(ctx context.Context, code string, from, to types.TagStatus) error {
	query := `
		UPDATE tags SET status = $3, updated_at = NOW()
		WHERE tag_code = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, code, from, to)
	if err != nil {
		return fmt.Errorf("failed to update tag status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, code, from)
	}
	return nil
}

// Attach moves a tag to attached and links it to an animal and ranch
func (r *TagRepository) Attach(ctx context.Context, code string, from types.TagStatus, animalID, ranchID *string) error {
	query := `
		UPDATE tags
		SET status = $3, animal_id = COALESCE($4, animal_id), ranch_id = COALESCE($5, ranch_id), updated_at = NOW()
		WHERE tag_code = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, code, from, types.TagStatusAttached, animalID, ranchID)
	if err != nil {
		return fmt.Errorf("failed to attach tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, code, from)
	}
	return nil
}

// MarkMintFailed flags the tag as mint_failed and clears the reverted tx hash
// so a later retry may submit again.
func (r *TagRepository) MarkMintFailed(ctx context.Context, code string, from types.TagStatus) error {
	query := `
		UPDATE tags
		SET status = $3, mint_tx_hash = NULL, updated_at = NOW()
		WHERE tag_code = $1 AND status = $2 AND token_id IS NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, code, from, types.TagStatusMintFailed)
	if err != nil {
		return fmt.Errorf("failed to mark mint failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, code, from)
	}
	return nil
}

// SetMintTx records a submitted mint transaction hash. It refuses to
// overwrite a different pending hash or touch an already minted tag.
func (r *TagRepository) SetMintTx(ctx context.Context, code, txHash string) error {
	query := `
		UPDATE tags SET mint_tx_hash = $2, updated_at = NOW()
		WHERE tag_code = $1 AND token_id IS NULL AND (mint_tx_hash IS NULL OR mint_tx_hash = $2)
	`

	tag, err := r.db.Pool().Exec(ctx, query, code, txHash)
	if err != nil {
		return fmt.Errorf("failed to record mint tx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetByCode(ctx, code); gerr != nil {
			return gerr
		}
		return fmt.Errorf("tag %s already has a mint in flight: %w", code, ErrStatusConflict)
	}
	return nil
}

// SetMintResult records the token id and tx hash. Writing the same token id
// twice is a no-op; a different token id is a conflict. An empty txHash keeps
// the stored one.
func (r *TagRepository) SetMintResult(ctx context.Context, code, tokenID, txHash string) error {
	query := `
		UPDATE tags SET token_id = $2, mint_tx_hash = COALESCE(NULLIF($3, ''), mint_tx_hash), updated_at = NOW()
		WHERE tag_code = $1 AND (token_id IS NULL OR token_id = $2)
	`

	tag, err := r.db.Pool().Exec(ctx, query, code, tokenID, txHash)
	if err != nil {
		return fmt.Errorf("failed to record mint result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetByCode(ctx, code); gerr != nil {
			return gerr
		}
		return fmt.Errorf("tag %s already minted with another token id: %w", code, ErrStatusConflict)
	}
	return nil
}

// SetMetadataURI stores the latest pinned metadata locator
func (r *TagRepository) SetMetadataURI(ctx context.Context, code, uri string) error {
	query := `UPDATE tags SET metadata_uri = $2, updated_at = NOW() WHERE tag_code = $1`

	tag, err := r.db.Pool().Exec(ctx, query, code, uri)
	if err != nil {
		return fmt.Errorf("failed to set metadata uri: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tag %s: %w", code, ErrNotFound)
	}
	return nil
}

// ListPendingMints returns tags with a submitted mint but no token id
func (r *TagRepository) ListPendingMints(ctx context.Context, limit int) ([]*models.Tag, error) {
	query := `
		SELECT ` + tagColumns + `
		FROM tags
		WHERE mint_tx_hash IS NOT NULL AND token_id IS NULL
		ORDER BY updated_at
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mints: %w", err)
	}
	defer rows.Close()

	return collectTags(rows)
}

// List returns tags ordered by sequence
func (r *TagRepository) List(ctx context.Context, filters *TagFilters) ([]*models.Tag, error) {
	limit, offset := 100, 0
	var batchID *string
	var status *types.TagStatus
	if filters != nil {
		if filters.Limit > 0 {
			limit = filters.Limit
		}
		offset = filters.Offset
		batchID = filters.BatchID
		status = filters.Status
	}

	query := `
		SELECT ` + tagColumns + `
		FROM tags
		WHERE ($1::uuid IS NULL OR batch_id = $1::uuid)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY seq
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	return collectTags(rows)
}

// CountByBatch returns the number of tag rows referencing a batch
func (r *TagRepository) CountByBatch(ctx context.Context, batchID string) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM tags WHERE batch_id = $1::uuid`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count batch tags: %w", err)
	}
	return n, nil
}

func (r *TagRepository) missingOrConflict(ctx context.Context, code string, from types.TagStatus) error {
	current, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	return fmt.Errorf("tag %s is %s, expected %s: %w", code, current.Status, from, ErrStatusConflict)
}

func tagArgs(t *models.Tag) []interface{} {
	var proof [][]byte
	if t.BatchID != nil {
		proof = proofToBytes(t.Proof)
	}
	return []interface{}{
		t.TagCode,
		t.Seq,
		t.BatchID,
		t.ChainID,
		t.ContractAddress,
		t.TokenID,
		t.MintTxHash,
		proof,
		t.Status,
		t.AnimalID,
		t.RanchID,
		t.MetadataURI,
	}
}

// proofToBytes never returns nil so a single-leaf batch stores '{}' rather than NULL
func proofToBytes(proof []common.Hash) [][]byte {
	out := make([][]byte, len(proof))
	for i, h := range proof {
		out[i] = h.Bytes()
	}
	return out
}

func proofFromBytes(raw [][]byte) ([]common.Hash, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]common.Hash, len(raw))
	for i, b := range raw {
		if len(b) != common.HashLength {
			return nil, fmt.Errorf("proof entry %d has %d bytes", i, len(b))
		}
		out[i] = common.BytesToHash(b)
	}
	return out, nil
}

func collectTags(rows pgx.Rows) ([]*models.Tag, error) {
	var out []*models.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}
	return out, nil
}

func scanTag(row pgx.Row) (*models.Tag, error) {
	var t models.Tag
	var proof [][]byte
	err := row.Scan(
		&t.TagCode,
		&t.Seq,
		&t.BatchID,
		&t.ChainID,
		&t.ContractAddress,
		&t.TokenID,
		&t.MintTxHash,
		&proof,
		&t.Status,
		&t.AnimalID,
		&t.RanchID,
		&t.MetadataURI,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Proof, err = proofFromBytes(proof); err != nil {
		return nil, fmt.Errorf("tag %s: %w", t.TagCode, err)
	}
	return &t, nil
}
