package merkle

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeProof_Format(t *testing.T) {
	p := []common.Hash{HashLeaf("a"), HashLeaf("b")}
	got := EncodeProof("batch-1", p)

	assert.Equal(t, ProofMarker+"batch-1|"+p[0].Hex()+","+p[1].Hex(), got)
}

func TestDecodeProof_RoundTrip(t *testing.T) {
	tree, err := Build(tagCodes(5))
	require.NoError(t, err)
	proof, _ := tree.Proof("T-2")

	decoded, ok, err := DecodeProof(EncodeProof("0b8f6a8e-1d7c-4a55-9d3c-7a0e2b1f4c11", proof))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0b8f6a8e-1d7c-4a55-9d3c-7a0e2b1f4c11", decoded.BatchID)
	assert.Equal(t, proof, decoded.Proof)
}

func TestDecodeProof_EmptyProof(t *testing.T) {
	decoded, ok, err := DecodeProof(EncodeProof("solo", nil))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "solo", decoded.BatchID)
	assert.Empty(t, decoded.Proof)
}

func TestDecodeProof_NotBatchAnchored(t *testing.T) {
	for _, s := range []string{"", "ipfs://bafy", "legacy-tag-code", "mkp0:x|"} {
		decoded, ok, err := DecodeProof(s)
		assert.NoError(t, err, s)
		assert.False(t, ok, s)
		assert.Empty(t, decoded.BatchID, s)
	}
}

func TestDecodeProof_Malformed(t *testing.T) {
	cases := []string{
		ProofMarker + "no-separator",
		ProofMarker + "b|zz",
		ProofMarker + "b|0x1234",
		ProofMarker + "b|" + HashLeaf("a").Hex() + ",",
	}
	for _, s := range cases {
		_, ok, err := DecodeProof(s)
		assert.False(t, ok, s)
		assert.True(t, errors.Is(err, ErrMalformedProof), s)
	}
}

func TestDecodeProof_BatchIDWithSeparator(t *testing.T) {
	p := []common.Hash{HashLeaf("x")}
	decoded, ok, err := DecodeProof(EncodeProof("a|b", p))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a|b", decoded.BatchID)
	assert.Equal(t, p, decoded.Proof)
}

func TestCodecProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("decode(encode(b, p)) == (b, p)", prop.ForAll(
		func(batchID string, seeds []string) bool {
			proof := make([]common.Hash, len(seeds))
			for i, s := range seeds {
				proof[i] = HashLeaf(s)
			}
			decoded, ok, err := DecodeProof(EncodeProof(batchID, proof))
			if err != nil || !ok || decoded.BatchID != batchID || len(decoded.Proof) != len(proof) {
				return false
			}
			for i := range proof {
				if decoded.Proof[i] != proof[i] {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("unmarked strings are reported as not batch-anchored", prop.ForAll(
		func(s string) bool {
			_, ok, err := DecodeProof("legacy:" + s)
			return !ok && err == nil
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
