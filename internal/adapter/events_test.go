package adapter

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tag-anchor/internal/merkle"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func activationLog(t *testing.T, emitter common.Address, tagCode, batchID string) *ethtypes.Log {
	t.Helper()
	data, err := tagActivatedEvent.Inputs.NonIndexed().Pack(tagCode)
	require.NoError(t, err)
	return &ethtypes.Log{
		Address: emitter,
		Topics: []common.Hash{
			tagActivatedEvent.ID,
			common.BigToHash(merkle.TokenID(tagCode)),
			merkle.BatchKey(batchID),
			common.BytesToHash(ownerAddr.Bytes()),
		},
		Data:   data,
		TxHash: common.HexToHash("0x01"),
	}
}

func mintTransferLog(emitter common.Address, tokenID *big.Int) *ethtypes.Log {
	return &ethtypes.Log{
		Address: emitter,
		Topics: []common.Hash{
			transferEvent.ID,
			{},
			common.BytesToHash(ownerAddr.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}

func TestParseTagActivated(t *testing.T) {
	lg := activationLog(t, registryAddr, "TAG-000007", "batch-1")

	act, ok := ParseTagActivated([]*ethtypes.Log{lg}, registryAddr)
	require.True(t, ok)
	assert.Equal(t, "TAG-000007", act.TagCode)
	assert.Equal(t, merkle.BatchKey("batch-1"), act.BatchKey)
	assert.Equal(t, ownerAddr, act.To)
	assert.Equal(t, 0, act.TokenID.Cmp(merkle.TokenID("TAG-000007")))
}

func TestParseTagActivated_IgnoresOtherEmitters(t *testing.T) {
	lg := activationLog(t, ownerAddr, "TAG-000007", "batch-1")

	_, ok := ParseTagActivated([]*ethtypes.Log{lg}, registryAddr)
	assert.False(t, ok)

	_, ok = ParseTagActivated([]*ethtypes.Log{lg}, common.Address{})
	assert.True(t, ok)
}

func TestParseMintedTokenID(t *testing.T) {
	id := big.NewInt(42)
	transfer := mintTransferLog(registryAddr, id)

	got, ok := ParseMintedTokenID([]*ethtypes.Log{nil, transfer}, registryAddr)
	require.True(t, ok)
	assert.Equal(t, 0, got.Cmp(id))

	// A transfer between holders is not a mint.
	transfer.Topics[1] = common.BytesToHash(ownerAddr.Bytes())
	_, ok = ParseMintedTokenID([]*ethtypes.Log{transfer}, registryAddr)
	assert.False(t, ok)
}

func TestTokenIDFromReceipt(t *testing.T) {
	_, ok := TokenIDFromReceipt(nil, registryAddr)
	assert.False(t, ok)

	receipt := &ethtypes.Receipt{Logs: []*ethtypes.Log{
		mintTransferLog(registryAddr, big.NewInt(1)),
		activationLog(t, registryAddr, "TAG-000003", "b"),
	}}
	id, ok := TokenIDFromReceipt(receipt, registryAddr)
	require.True(t, ok)
	assert.Equal(t, 0, id.Cmp(merkle.TokenID("TAG-000003")))

	receipt.Logs = receipt.Logs[:1]
	id, ok = TokenIDFromReceipt(receipt, registryAddr)
	require.True(t, ok)
	assert.Equal(t, int64(1), id.Int64())
}
