package models

import (
	"time"

	"github.com/tag-anchor/internal/types"
)

// OutboxEntry is a queued chain call that must eventually be delivered
type OutboxEntry struct {
	ID            string             `json:"id" db:"id"`
	Kind          types.OutboxKind   `json:"kind" db:"kind"`
	TagCode       string             `json:"tagCode" db:"tag_code"`
	TokenID       string             `json:"tokenId" db:"token_id"`
	Payload       string             `json:"payload" db:"payload"`
	Status        types.OutboxStatus `json:"status" db:"status"`
	Attempts      int                `json:"attempts" db:"attempts"`
	LastError     *string            `json:"lastError,omitempty" db:"last_error"`
	TxHash        *string            `json:"txHash,omitempty" db:"tx_hash"`
	NextAttemptAt time.Time          `json:"nextAttemptAt" db:"next_attempt_at"`
	CreatedAt     time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time          `json:"updatedAt" db:"updated_at"`
}
