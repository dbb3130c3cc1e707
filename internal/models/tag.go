package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tag-anchor/internal/types"
)

// Tag is one physical ear tag tracked through its life
type Tag struct {
	TagCode         string          `json:"tagCode" db:"tag_code"`
	Seq             int64           `json:"seq" db:"seq"`
	BatchID         *string         `json:"batchId,omitempty" db:"batch_id"` // nil for legacy tags
	ChainID         int64           `json:"chainId" db:"chain_id"`
	ContractAddress string          `json:"contractAddress" db:"contract_address"`
	TokenID         *string         `json:"tokenId,omitempty" db:"token_id"` // decimal uint256
	MintTxHash      *string         `json:"mintTxHash,omitempty" db:"mint_tx_hash"`
	Proof           []common.Hash   `json:"-" db:"merkle_proof"`
	Status          types.TagStatus `json:"status" db:"status"`
	AnimalID        *string         `json:"animalId,omitempty" db:"animal_id"`
	RanchID         *string         `json:"ranchId,omitempty" db:"ranch_id"`
	MetadataURI     *string         `json:"metadataUri,omitempty" db:"metadata_uri"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsBatchAnchored reports whether the tag carries a batch reference and proof
func (t *Tag) IsBatchAnchored() bool {
	return t.BatchID != nil && *t.BatchID != ""
}

// IsMinted reports whether the tag has a token id recorded
func (t *Tag) IsMinted() bool {
	return t.TokenID != nil && *t.TokenID != ""
}
