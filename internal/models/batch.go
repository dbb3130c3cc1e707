package models

import (
	"fmt"
	"time"

	"github.com/tag-anchor/internal/types"
)

// Batch represents one anchoring operation
type Batch struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	Count        int               `json:"count" db:"count"`
	Material     string            `json:"material,omitempty" db:"material"`
	Color        string            `json:"color,omitempty" db:"color"`
	Model        string            `json:"model,omitempty" db:"model"`
	CodePrefix   string            `json:"codePrefix" db:"code_prefix"`
	SeqStart     int64             `json:"seqStart" db:"seq_start"`
	SeqEnd       int64             `json:"seqEnd" db:"seq_end"` // inclusive
	Status       types.BatchStatus `json:"status" db:"status"`
	MerkleRoot   *string           `json:"merkleRoot,omitempty" db:"merkle_root"`
	ManifestURI  *string           `json:"manifestUri,omitempty" db:"manifest_uri"`
	AnchorTxHash *string           `json:"anchorTxHash,omitempty" db:"anchor_tx_hash"`
	Error        *string           `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time         `json:"updatedAt" db:"updated_at"`
}

// FormatTagCode renders the identifier for sequence number seq
func FormatTagCode(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

// TagCodes recomputes the batch's identifiers from its sequence range
func (b *Batch) TagCodes() []string {
	if b.SeqEnd < b.SeqStart {
		return nil
	}
	codes := make([]string, 0, b.SeqEnd-b.SeqStart+1)
	for seq := b.SeqStart; seq <= b.SeqEnd; seq++ {
		codes = append(codes, FormatTagCode(b.CodePrefix, seq))
	}
	return codes
}
