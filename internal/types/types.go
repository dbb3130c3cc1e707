// Package types provides common type definitions for the tag anchoring system.
package types

// TagStatus represents a tag's position in its lifecycle
type TagStatus string

const (
	// TagStatusPreIdentity is the initial status of batch-issued tags (anchored, not minted)
	TagStatusPreIdentity TagStatus = "pre_identity"
	// TagStatusOnChainUnclaimed is the initial status of individually pre-minted tags
	TagStatusOnChainUnclaimed TagStatus = "on_chain_unclaimed"
	// TagStatusAssembled means physical assembly was confirmed
	TagStatusAssembled TagStatus = "assembled"
	// TagStatusInInventory means the tag is ready for distribution
	TagStatusInInventory TagStatus = "in_inventory"
	// TagStatusDemo marks demonstration stock
	TagStatusDemo TagStatus = "demo"
	// TagStatusForSale marks tags listed for sale
	TagStatusForSale TagStatus = "for_sale"
	// TagStatusSold marks sold tags
	TagStatusSold TagStatus = "sold"
	// TagStatusShipped marks tags handed to logistics
	TagStatusShipped TagStatus = "shipped"
	// TagStatusAttached means the tag is attached to an animal
	TagStatusAttached TagStatus = "attached"
	// TagStatusMintFailed is a side-channel marker for a failed mint attempt
	TagStatusMintFailed TagStatus = "mint_failed"
)

// AllTagStatuses lists every known tag status
var AllTagStatuses = []TagStatus{
	TagStatusPreIdentity,
	TagStatusOnChainUnclaimed,
	TagStatusAssembled,
	TagStatusInInventory,
	TagStatusDemo,
	TagStatusForSale,
	TagStatusSold,
	TagStatusShipped,
	TagStatusAttached,
	TagStatusMintFailed,
}

// IsValid reports whether s is a known tag status
func (s TagStatus) IsValid() bool {
	for _, known := range AllTagStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// BatchStatus represents the lifecycle status of an anchoring batch
type BatchStatus string

const (
	// BatchStatusAnchoring is set before any blockchain interaction
	BatchStatusAnchoring BatchStatus = "anchoring"
	// BatchStatusReady means the root is anchored and every tag row is persisted
	BatchStatusReady BatchStatus = "ready_for_assembly"
	// BatchStatusAnchorFailed means the anchor transaction failed
	BatchStatusAnchorFailed BatchStatus = "anchor_failed"
	// BatchStatusInsertFailed means the bulk tag insert failed after anchoring
	BatchStatusInsertFailed BatchStatus = "insert_failed"
)

// Outcome is the user-visible result class of a mutating operation
type Outcome string

const (
	// OutcomeSuccess means the operation completed and identifiers are available
	OutcomeSuccess Outcome = "success"
	// OutcomePending means the outcome is unknown; retry or reconcile later
	OutcomePending Outcome = "pending"
	// OutcomeFailed means the operation failed permanently; do not retry without an operator
	OutcomeFailed Outcome = "failed"
)

// OutboxStatus represents the state of a queued chain call
type OutboxStatus string

const (
	// OutboxStatusPending is waiting for submission
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusSubmitted has a transaction hash awaiting confirmation
	OutboxStatusSubmitted OutboxStatus = "submitted"
	// OutboxStatusDone was confirmed on-chain
	OutboxStatusDone OutboxStatus = "done"
	// OutboxStatusFailed exhausted its attempts
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxKind identifies the chain call an outbox entry carries
type OutboxKind string

const (
	// OutboxKindSetTokenURI updates a minted token's metadata locator
	OutboxKindSetTokenURI OutboxKind = "set_token_uri"
)

// TagEventType names entries written to the audit journal
type TagEventType string

const (
	EventBatchCreated      TagEventType = "batch_created"
	EventBatchAnchored     TagEventType = "batch_anchored"
	EventBatchFailed       TagEventType = "batch_failed"
	EventStatusChanged     TagEventType = "status_changed"
	EventMintSubmitted     TagEventType = "mint_submitted"
	EventMintConfirmed     TagEventType = "mint_confirmed"
	EventMintFailed        TagEventType = "mint_failed"
	EventReconciled        TagEventType = "reconciled"
	EventMetadataRequested TagEventType = "metadata_requested"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
