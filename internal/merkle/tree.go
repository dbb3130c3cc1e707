package merkle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrEmptyBatch is returned when a tree is requested for no identifiers
	ErrEmptyBatch = errors.New("empty batch")

	// ErrDuplicateIdentifier is returned when an identifier appears twice
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
)

// Tree is a built batch tree with a proof for every identifier.
type Tree struct {
	Root   common.Hash
	proofs map[string][]common.Hash
	layers [][]common.Hash
}

// Build constructs the tree for a batch. Leaf digests are sorted before
// pairing so the root does not depend on input order.
func Build(identifiers []string) (*Tree, error) {
	if len(identifiers) == 0 {
		return nil, ErrEmptyBatch
	}

	seen := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
		}
		seen[id] = struct{}{}
	}

	leaves := make([]common.Hash, len(identifiers))
	for i, id := range identifiers {
		leaves[i] = HashLeaf(id)
	}
	sort.Slice(leaves, func(i, j int) bool { return lessHash(leaves[i], leaves[j]) })

	layers := [][]common.Hash{leaves}
	for layer := leaves; len(layer) > 1; {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, HashPair(left, right))
		}
		layers = append(layers, next)
		layer = next
	}

	position := make(map[common.Hash]int, len(leaves))
	for i, leaf := range leaves {
		position[leaf] = i
	}

	t := &Tree{
		Root:   layers[len(layers)-1][0],
		proofs: make(map[string][]common.Hash, len(identifiers)),
		layers: layers,
	}
	for _, id := range identifiers {
		t.proofs[id] = t.path(position[HashLeaf(id)])
	}

	return t, nil
}

// path collects the sibling of the node at idx on every level below the root.
// A node without a partner is its own sibling.
func (t *Tree) path(idx int) []common.Hash {
	proof := make([]common.Hash, 0, len(t.layers)-1)
	for level := 0; level < len(t.layers)-1; level++ {
		row := t.layers[level]
		sibling := idx ^ 1
		if sibling >= len(row) {
			sibling = idx
		}
		proof = append(proof, row[sibling])
		idx /= 2
	}
	return proof
}

// Proof returns the inclusion proof for an identifier in the batch.
func (t *Tree) Proof(identifier string) ([]common.Hash, bool) {
	p, ok := t.proofs[identifier]
	if !ok {
		return nil, false
	}
	out := make([]common.Hash, len(p))
	copy(out, p)
	return out, true
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.layers[0])
}

// Depth returns the number of levels above the leaves.
func (t *Tree) Depth() int {
	return len(t.layers) - 1
}

// Verify recomputes the root from a leaf digest and its proof.
func Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// VerifyIdentifier is Verify applied to HashLeaf(identifier).
func VerifyIdentifier(identifier string, proof []common.Hash, root common.Hash) bool {
	return Verify(HashLeaf(identifier), proof, root)
}
