package merkle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ProofMarker prefixes every encoded proof. The digit tracks LeafEncodingVersion.
const ProofMarker = "mkp1:"

// ErrMalformedProof is returned for a marked value that cannot be parsed
var ErrMalformedProof = errors.New("malformed encoded proof")

// AnchoredProof is a decoded (batchId, proof) pair.
type AnchoredProof struct {
	BatchID string        `json:"batchId"`
	Proof   []common.Hash `json:"proof"`
}

// EncodeProof serializes a batch id and proof into a single string field:
// marker, batch id, '|', then the comma-joined 0x-hex siblings.
func EncodeProof(batchID string, proof []common.Hash) string {
	parts := make([]string, len(proof))
	for i, p := range proof {
		parts[i] = p.Hex()
	}

	var b strings.Builder
	b.Grow(len(ProofMarker) + len(batchID) + 1 + len(proof)*67)
	b.WriteString(ProofMarker)
	b.WriteString(batchID)
	b.WriteByte('|')
	b.WriteString(strings.Join(parts, ","))
	return b.String()
}

// DecodeProof parses a value produced by EncodeProof. A value without the
// marker is a plain or legacy tag: ok is false and err is nil.
func DecodeProof(s string) (AnchoredProof, bool, error) {
	if !strings.HasPrefix(s, ProofMarker) {
		return AnchoredProof{}, false, nil
	}

	body := strings.TrimPrefix(s, ProofMarker)
	sep := strings.LastIndexByte(body, '|')
	if sep < 0 {
		return AnchoredProof{}, false, fmt.Errorf("%w: missing separator", ErrMalformedProof)
	}

	decoded := AnchoredProof{
		BatchID: body[:sep],
		Proof:   []common.Hash{},
	}

	entries := body[sep+1:]
	if entries == "" {
		return decoded, true, nil
	}

	for i, entry := range strings.Split(entries, ",") {
		raw, err := hexutil.Decode(entry)
		if err != nil {
			return AnchoredProof{}, false, fmt.Errorf("%w: entry %d: %v", ErrMalformedProof, i, err)
		}
		if len(raw) != common.HashLength {
			return AnchoredProof{}, false, fmt.Errorf("%w: entry %d has %d bytes", ErrMalformedProof, i, len(raw))
		}
		decoded.Proof = append(decoded.Proof, common.BytesToHash(raw))
	}

	return decoded, true, nil
}
