package distributor

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// MerkleTree is a deterministic pairwise-keccak tree over a set of leaf
// hashes. Leaves are deduplicated and sorted before layering; a sibling pair
// is hashed in byte order; an odd trailing node carries up to the next level
// unchanged. All of this must match the on-chain verifier bit for bit.
type MerkleTree struct {
	elements  [][]byte
	positions map[string]int
	layers    [][][]byte
}

func NewMerkleTree(elements [][]byte) (*MerkleTree, error) {

	if len(elements) == 0 {
		return nil, errors.New("Empty tree")
	}

	// Dedupe and sort for a canonical leaf order.
	unique := make(map[string]struct{}, len(elements))
	sorted := make([][]byte, 0, len(elements))

	for _, el := range elements {
		if _, dup := unique[string(el)]; dup {
			continue
		}
		unique[string(el)] = struct{}{}

		sorted = append(sorted, el)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	positions := make(map[string]int, len(sorted))
	for i, el := range sorted {
		positions[string(el)] = i
	}

	layers := [][][]byte{sorted}
	for len(layers[len(layers)-1]) > 1 {
		layers = append(layers, nextLayer(layers[len(layers)-1]))
	}

	return &MerkleTree{
		elements:  sorted,
		positions: positions,
		layers:    layers,
	}, nil
}

func nextLayer(elements [][]byte) [][]byte {

	var layer [][]byte

	for i := 0; i < len(elements); i += 2 {
		if i+1 < len(elements) {
			layer = append(layer, combineHash(elements[i], elements[i+1]))
		} else {
			// Odd node: carry up unchanged.
			layer = append(layer, elements[i])
		}
	}

	return layer
}

// combineHash hashes the concatenation of a sibling pair in ascending byte
// order, so proof verification needs no left/right flags.
func combineHash(first, second []byte) []byte {

	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	return crypto.Keccak256(first, second)
}

// Root returns the tree's root hash.
func (t *MerkleTree) Root() []byte {
	return t.layers[len(t.layers)-1][0]
}

// Proof returns the sibling path for element up to the root.
func (t *MerkleTree) Proof(element []byte) ([][]byte, error) {

	index, ok := t.positions[string(element)]
	if !ok {
		return nil, errors.New("Element is not in Merkle tree")
	}

	var proof [][]byte

	for _, layer := range t.layers {
		if pair := pairElement(index, layer); pair != nil {
			proof = append(proof, pair)
		}

		index /= 2
	}

	return proof, nil
}

func pairElement(index int, layer [][]byte) []byte {

	pairIndex := index + 1
	if index%2 == 1 {
		pairIndex = index - 1
	}

	if pairIndex < len(layer) {
		return layer[pairIndex]
	}

	return nil
}

// VerifyProof re-derives the root from a leaf and its proof path using
// standard pairwise-hash verification.
func VerifyProof(leaf []byte, proof [][]byte, root []byte) bool {

	computed := leaf
	for _, sibling := range proof {
		computed = combineHash(computed, sibling)
	}

	return bytes.Equal(computed, root)
}
