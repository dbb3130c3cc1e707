// Package merkle builds and verifies the sorted-pair keccak256 Merkle trees
// committed on-chain for each tag batch.
//
// The encoding matches the registry contract's verifier: a leaf is
// keccak256(bytes(tagCode)) with no padding, and a parent is
// keccak256(min(a,b) || max(a,b)) where ordering is by raw byte value.
package merkle

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LeafEncodingVersion identifies the byte encoding committed into leaves.
// Any change to HashLeaf must bump this value and the proof marker.
const LeafEncodingVersion = 1

// HashLeaf returns the leaf digest for a tag identifier.
func HashLeaf(identifier string) common.Hash {
	return crypto.Keccak256Hash([]byte(identifier))
}

// HashPair hashes two sibling digests in ascending byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// TokenID derives the token identifier the contract assigns when a tag is
// activated. It depends only on the identifier, never on transaction order.
func TokenID(identifier string) *big.Int {
	return new(big.Int).SetBytes(HashLeaf(identifier).Bytes())
}

// BatchKey maps an off-chain batch id to the bytes32 key used by the contract.
func BatchKey(batchID string) common.Hash {
	return crypto.Keccak256Hash([]byte(batchID))
}

func lessHash(a, b common.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
