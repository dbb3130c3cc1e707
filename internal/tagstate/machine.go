// Package tagstate holds the tag status lifecycle and the transitions it allows.
package tagstate

import (
	"errors"
	"fmt"

	"github.com/tag-anchor/internal/types"
)

// ErrInvalidTransition is returned for any transition not in the table
var ErrInvalidTransition = errors.New("invalid tag status transition")

// TransitionError describes a rejected transition
type TransitionError struct {
	From types.TagStatus
	To   types.TagStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid tag status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var transitions = map[types.TagStatus][]types.TagStatus{
	types.TagStatusPreIdentity: {
		types.TagStatusAssembled,
		types.TagStatusAttached,
	},
	types.TagStatusOnChainUnclaimed: {
		types.TagStatusAssembled,
		types.TagStatusAttached,
	},
	types.TagStatusAssembled: {
		types.TagStatusInInventory,
		types.TagStatusAttached,
	},
	types.TagStatusInInventory: {
		types.TagStatusDemo,
		types.TagStatusForSale,
		types.TagStatusSold,
		types.TagStatusShipped,
		types.TagStatusAttached,
	},
	// Dispositions end logistics tracking but leave the tag claimable.
	types.TagStatusDemo:     {types.TagStatusAttached},
	types.TagStatusForSale:  {types.TagStatusAttached},
	types.TagStatusSold:     {types.TagStatusAttached},
	types.TagStatusShipped:  {types.TagStatusAttached},
	// mint_failed re-enters the normal flow through a manual re-attempt.
	types.TagStatusMintFailed: {
		types.TagStatusAttached,
		types.TagStatusPreIdentity,
		types.TagStatusOnChainUnclaimed,
	},
}

// CanTransition reports whether a tag may move from one status to another.
func CanTransition(from, to types.TagStatus) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	// Any state may be flagged mint_failed when a required mint errors.
	if to == types.TagStatusMintFailed {
		return from != types.TagStatusMintFailed
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Validate returns a *TransitionError when the transition is not allowed.
func Validate(from, to types.TagStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Next lists the statuses reachable from the given status.
func Next(from types.TagStatus) []types.TagStatus {
	var out []types.TagStatus
	for _, to := range types.AllTagStatuses {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// IsDisposition reports whether s is one of the in_inventory dispositions.
func IsDisposition(s types.TagStatus) bool {
	switch s {
	case types.TagStatusDemo, types.TagStatusForSale, types.TagStatusSold, types.TagStatusShipped:
		return true
	}
	return false
}

// IsAttachable reports whether a tag in status s may be attached (claimed).
func IsAttachable(s types.TagStatus) bool {
	return CanTransition(s, types.TagStatusAttached)
}

// InitialStatus returns the status a newly created tag starts in.
func InitialStatus(batchIssued bool) types.TagStatus {
	if batchIssued {
		return types.TagStatusPreIdentity
	}
	return types.TagStatusOnChainUnclaimed
}
