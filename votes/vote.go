// Package votes defines the signed candidate result one oracle publishes per
// round and its canonical byte encoding. The encoding is the agreement
// surface between oracles: two independently-computed votes match if and
// only if their canonical encodings are byte-identical.
package votes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Vote is one oracle's candidate result for a round.
type Vote struct {
	Nonce        uint64         `json:"nonce"`
	MerkleRoot   common.Hash    `json:"merkle_root"`
	TotalRewards *hexutil.Big   `json:"total_rewards"`
	ProofsCID    string         `json:"proofs_cid"`
	Oracle       common.Address `json:"oracle"`
	Signature    hexutil.Bytes  `json:"signature"`
}

// Candidate is the portion of a vote that oracles must agree on. The proofs
// CID is included: content addressing makes it a pure function of the claim
// set, and grouping over it guarantees every signature in a quorum group was
// produced over identical bytes.
type Candidate struct {
	MerkleRoot   common.Hash
	TotalRewards *big.Int
	ProofsCID    string
}

// Key gives a map key grouping identical candidates.
func (c Candidate) Key() string {
	return c.MerkleRoot.Hex() + "/" + c.TotalRewards.String() + "/" + c.ProofsCID
}

func (v *Vote) Candidate() Candidate {
	return Candidate{
		MerkleRoot:   v.MerkleRoot,
		TotalRewards: (*big.Int)(v.TotalRewards),
		ProofsCID:    v.ProofsCID,
	}
}

var (
	uint256Type = mustNewType("uint256")
	bytes32Type = mustNewType("bytes32")
	stringType  = mustNewType("string")

	candidateArgs = abi.Arguments{
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: stringType},
	}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}

	return typ
}

// EncodeCandidate produces the canonical ABI encoding of
// (nonce, merkleRoot, totalRewards, proofsCID), in that fixed order.
func EncodeCandidate(nonce uint64, merkleRoot common.Hash, totalRewards *big.Int, proofsCID string) ([]byte, error) {

	encoded, err := candidateArgs.Pack(
		new(big.Int).SetUint64(nonce),
		merkleRoot,
		totalRewards,
		proofsCID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to encode candidate")
	}

	return encoded, nil
}

// CandidateID is the keccak256 of the canonical encoding; it is what the
// oracle signs and what the on-chain verifier reconstructs.
func CandidateID(nonce uint64, merkleRoot common.Hash, totalRewards *big.Int, proofsCID string) ([]byte, error) {

	encoded, err := EncodeCandidate(nonce, merkleRoot, totalRewards, proofsCID)
	if err != nil {
		return nil, err
	}

	return crypto.Keccak256(encoded), nil
}

// RecoverSigner recovers the address that signed the candidate id under
// EIP-191. Malformed signatures return an error rather than a zero address.
func RecoverSigner(candidateID, signature []byte) (common.Address, error) {

	if len(signature) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("Invalid signature length %d", len(signature))
	}

	// Undo the 27/28 V convention for recovery.
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pubKey, err := crypto.SigToPub(accounts.TextHash(candidateID), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "Unable to recover signer")
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verify checks that the vote's signature was produced by the oracle address
// the vote claims.
func (v *Vote) Verify() error {

	candidateID, err := CandidateID(v.Nonce, v.MerkleRoot, (*big.Int)(v.TotalRewards), v.ProofsCID)
	if err != nil {
		return err
	}

	signer, err := RecoverSigner(candidateID, v.Signature)
	if err != nil {
		return err
	}

	if signer != v.Oracle {
		return errors.Errorf("Vote signed by %s but claims %s", signer.Hex(), v.Oracle.Hex())
	}

	return nil
}
