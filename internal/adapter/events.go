package adapter

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Activation is a decoded TagActivated event
type Activation struct {
	TokenID  *big.Int
	BatchKey common.Hash
	To       common.Address
	TagCode  string
	TxHash   common.Hash
}

// ParseTagActivated returns the first TagActivated event emitted by contract.
// A zero contract address accepts logs from any emitter.
func ParseTagActivated(logs []*ethtypes.Log, contract common.Address) (*Activation, bool) {
	for _, lg := range logs {
		if act, ok := decodeActivation(lg, contract); ok {
			return act, true
		}
	}
	return nil, false
}

func decodeActivation(lg *ethtypes.Log, contract common.Address) (*Activation, bool) {
	if lg == nil || len(lg.Topics) != 4 || lg.Topics[0] != tagActivatedEvent.ID {
		return nil, false
	}
	if contract != (common.Address{}) && lg.Address != contract {
		return nil, false
	}

	act := &Activation{
		TokenID:  new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		BatchKey: lg.Topics[2],
		To:       common.BytesToAddress(lg.Topics[3].Bytes()),
		TxHash:   lg.TxHash,
	}

	values, err := tagActivatedEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err == nil && len(values) == 1 {
		if code, ok := values[0].(string); ok {
			act.TagCode = code
		}
	}
	return act, true
}

// ParseMintedTokenID returns the token id of the first ERC-721 mint
// (Transfer from the zero address) emitted by contract.
func ParseMintedTokenID(logs []*ethtypes.Log, contract common.Address) (*big.Int, bool) {
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) != 4 || lg.Topics[0] != transferEvent.ID {
			continue
		}
		if contract != (common.Address{}) && lg.Address != contract {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()), true
	}
	return nil, false
}

// TokenIDFromReceipt prefers the activation event and falls back to the
// ERC-721 mint transfer.
func TokenIDFromReceipt(receipt *ethtypes.Receipt, contract common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	if act, ok := ParseTagActivated(receipt.Logs, contract); ok {
		return act.TokenID, true
	}
	return ParseMintedTokenID(receipt.Logs, contract)
}
