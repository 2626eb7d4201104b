package distributor

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashedLeaves(words ...string) [][]byte {

	leaves := make([][]byte, 0, len(words))
	for _, w := range words {
		leaves = append(leaves, crypto.Keccak256([]byte(w)))
	}

	return leaves
}

func TestMerkleTreeEmpty(t *testing.T) {

	_, err := NewMerkleTree(nil)
	require.Error(t, err)
}

func TestMerkleTreeSingleLeaf(t *testing.T) {

	leaves := hashedLeaves("only")

	tree, err := NewMerkleTree(leaves)
	require.NoError(t, err)

	// A one-leaf tree's root is the leaf itself, with an empty proof.
	assert.Equal(t, leaves[0], tree.Root())

	proof, err := tree.Proof(leaves[0])
	require.NoError(t, err)
	assert.Empty(t, proof)

	assert.True(t, VerifyProof(leaves[0], proof, tree.Root()))
}

func TestMerkleTreePairHashSorted(t *testing.T) {

	leaves := hashedLeaves("a", "b")

	tree, err := NewMerkleTree(leaves)
	require.NoError(t, err)

	// Sibling order must not matter: both orderings hash identically.
	assert.Equal(t, combineHash(leaves[0], leaves[1]), combineHash(leaves[1], leaves[0]))
	assert.Equal(t, combineHash(leaves[0], leaves[1]), tree.Root())
}

func TestMerkleTreeDeduplicates(t *testing.T) {

	one, err := NewMerkleTree(hashedLeaves("a", "b", "a", "b"))
	require.NoError(t, err)

	two, err := NewMerkleTree(hashedLeaves("b", "a"))
	require.NoError(t, err)

	assert.Equal(t, two.Root(), one.Root())
}

func TestMerkleTreeProofsVerify(t *testing.T) {

	for _, count := range []int{2, 3, 5, 8, 17} {

		words := make([]string, count)
		for i := range words {
			words[i] = string(rune('a' + i))
		}
		leaves := hashedLeaves(words...)

		tree, err := NewMerkleTree(leaves)
		require.NoError(t, err)

		for _, leaf := range leaves {
			proof, err := tree.Proof(leaf)
			require.NoError(t, err)
			assert.True(t, VerifyProof(leaf, proof, tree.Root()), "leaf proof failed at size %d", count)
		}
	}
}

func TestMerkleTreeOddNodeCarriedUp(t *testing.T) {

	leaves := hashedLeaves("a", "b", "c")

	tree, err := NewMerkleTree(leaves)
	require.NoError(t, err)

	// With three sorted leaves x0,x1,x2 the unpaired x2 carries up, so
	// root = H(H(x0,x1), x2).
	sorted := tree.elements
	expected := combineHash(combineHash(sorted[0], sorted[1]), sorted[2])
	assert.Equal(t, expected, tree.Root())
}

func TestMerkleTreeProofRejectsWrongLeaf(t *testing.T) {

	leaves := hashedLeaves("a", "b", "c", "d")

	tree, err := NewMerkleTree(leaves)
	require.NoError(t, err)

	_, err = tree.Proof(crypto.Keccak256([]byte("missing")))
	require.Error(t, err)

	proof, err := tree.Proof(leaves[0])
	require.NoError(t, err)
	assert.False(t, VerifyProof(leaves[1], proof, tree.Root()))
}
