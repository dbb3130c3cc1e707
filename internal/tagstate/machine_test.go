package tagstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tag-anchor/internal/types"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]types.TagStatus]bool{
		{types.TagStatusPreIdentity, types.TagStatusAssembled}:      true,
		{types.TagStatusOnChainUnclaimed, types.TagStatusAssembled}: true,
		{types.TagStatusAssembled, types.TagStatusInInventory}:      true,
		{types.TagStatusInInventory, types.TagStatusDemo}:           true,
		{types.TagStatusInInventory, types.TagStatusForSale}:        true,
		{types.TagStatusInInventory, types.TagStatusSold}:           true,
		{types.TagStatusInInventory, types.TagStatusShipped}:        true,
		{types.TagStatusPreIdentity, types.TagStatusAttached}:       true,
		{types.TagStatusOnChainUnclaimed, types.TagStatusAttached}:  true,
		{types.TagStatusAssembled, types.TagStatusAttached}:         true,
		{types.TagStatusInInventory, types.TagStatusAttached}:       true,
		{types.TagStatusDemo, types.TagStatusAttached}:              true,
		{types.TagStatusForSale, types.TagStatusAttached}:           true,
		{types.TagStatusSold, types.TagStatusAttached}:              true,
		{types.TagStatusShipped, types.TagStatusAttached}:           true,
		{types.TagStatusMintFailed, types.TagStatusAttached}:        true,
		{types.TagStatusMintFailed, types.TagStatusPreIdentity}:     true,
		{types.TagStatusMintFailed, types.TagStatusOnChainUnclaimed}: true,
	}
	for _, from := range types.AllTagStatuses {
		if from != types.TagStatusMintFailed {
			allowed[[2]types.TagStatus{from, types.TagStatusMintFailed}] = true
		}
	}

	for _, from := range types.AllTagStatuses {
		for _, to := range types.AllTagStatuses {
			want := allowed[[2]types.TagStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidate_ReturnsTypedError(t *testing.T) {
	err := Validate(types.TagStatusShipped, types.TagStatusAssembled)

	var te *TransitionError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, types.TagStatusShipped, te.From)
	assert.Equal(t, types.TagStatusAssembled, te.To)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	assert.NoError(t, Validate(types.TagStatusAssembled, types.TagStatusInInventory))
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("bogus", types.TagStatusAssembled))
	assert.False(t, CanTransition(types.TagStatusAssembled, "bogus"))
}

func TestNoStateIsADeadEnd(t *testing.T) {
	// Every status can at least be flagged or re-attempted.
	for _, s := range types.AllTagStatuses {
		assert.NotEmpty(t, Next(s), s)
	}
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsDisposition(types.TagStatusSold))
	assert.False(t, IsDisposition(types.TagStatusAttached))
	assert.True(t, IsAttachable(types.TagStatusInInventory))
	assert.True(t, IsAttachable(types.TagStatusShipped))
	assert.False(t, IsAttachable(types.TagStatusAttached))
	assert.Equal(t, types.TagStatusPreIdentity, InitialStatus(true))
	assert.Equal(t, types.TagStatusOnChainUnclaimed, InitialStatus(false))
}
