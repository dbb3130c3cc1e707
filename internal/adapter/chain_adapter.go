// Package adapter talks to the tag registry contract and the content store.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TagRegistry is the on-chain surface the anchoring and mint flows use
type TagRegistry interface {
	// AnchorBatch submits one anchor transaction committing root under batchKey
	AnchorBatch(ctx context.Context, batchKey, root common.Hash, manifestURI string) (common.Hash, error)

	// LazyMint submits a proof-carrying mint; the contract recomputes the root
	LazyMint(ctx context.Context, to common.Address, tagCode string, batchKey common.Hash, proof []common.Hash, tokenURI string) (common.Hash, error)

	// MintTo submits a legacy direct mint for a tag without a batch
	MintTo(ctx context.Context, to common.Address, tagCode, tokenURI string) (common.Hash, error)

	// SetTokenURI updates a minted token's metadata locator
	SetTokenURI(ctx context.Context, tokenID *big.Int, uri string) (common.Hash, error)

	// WaitForReceipt polls until the receipt is available or ctx expires.
	// An expired wait returns ErrReceiptTimeout; the tx may still confirm.
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)

	// Receipt fetches a receipt once, returning ErrReceiptNotFound while pending
	Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)

	// VerifyInclusion calls the contract's read-only proof check
	VerifyInclusion(ctx context.Context, tagCode string, batchKey common.Hash, proof []common.Hash) (bool, error)

	// AnchoredBatch reads the anchor record; ok is false when nothing is anchored
	AnchoredBatch(ctx context.Context, batchKey common.Hash) (record *AnchorRecord, ok bool, err error)

	// OwnerOf returns the token owner; ok is false when the token does not exist
	OwnerOf(ctx context.Context, tokenID *big.Int) (owner common.Address, ok bool, err error)

	// FindActivation searches TagActivated logs for tokenID
	FindActivation(ctx context.Context, tokenID *big.Int) (*Activation, bool, error)

	// Sender is the address transactions are signed with
	Sender() common.Address
}

// ContentStore pins content and returns a content address
type ContentStore interface {
	Pin(ctx context.Context, name string, content []byte) (string, error)
}

// AnchorRecord is the on-chain (batchKey -> root, manifest, timestamp) entry
type AnchorRecord struct {
	Root        common.Hash `json:"root"`
	ManifestURI string      `json:"manifestUri"`
	AnchoredAt  uint64      `json:"anchoredAt"`
}

var (
	// ErrReceiptTimeout means the caller stopped waiting; the outcome is unknown
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

	// ErrReceiptNotFound means the node has no receipt for the hash yet
	ErrReceiptNotFound = errors.New("transaction receipt not found")

	// ErrExecutionReverted means the call was rejected before or during execution
	ErrExecutionReverted = errors.New("execution reverted")

	// ErrProviderUnavailable means no RPC endpoint answered
	ErrProviderUnavailable = errors.New("rpc provider unavailable")

	// ErrNotConfigured means a required chain setting is missing
	ErrNotConfigured = errors.New("chain adapter not configured")

	// ErrSubmitUnknown means a signed transaction may have reached the node.
	// The returned hash is valid and must be reconciled, not resent.
	ErrSubmitUnknown = errors.New("transaction submission outcome unknown")
)

// AdapterError wraps errors with the failing operation
type AdapterError struct {
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("tag registry %s: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("tag registry %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{Op: op, Err: err, Details: details}
}
