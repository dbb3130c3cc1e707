package models

import (
	"time"

	"github.com/tag-anchor/internal/types"
)

// TagEvent is one row of the audit journal
type TagEvent struct {
	TagCode    string             `json:"tagCode" ch:"tag_code"`
	BatchID    string             `json:"batchId,omitempty" ch:"batch_id"`
	Event      types.TagEventType `json:"event" ch:"event"`
	FromStatus string             `json:"fromStatus,omitempty" ch:"from_status"`
	ToStatus   string             `json:"toStatus,omitempty" ch:"to_status"`
	TxHash     string             `json:"txHash,omitempty" ch:"tx_hash"`
	Detail     string             `json:"detail,omitempty" ch:"detail"`
	CreatedAt  time.Time          `json:"createdAt" ch:"created_at"`
}
