package distributor

import (
	"bytes"
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/ipfs"
)

// Claim is one account's cumulative entitlement plus the proof path that
// lets it be claimed on-chain.
type Claim struct {
	Index   uint64           `json:"index"`
	Tokens  []common.Address `json:"tokens"`
	Amounts []*hexutil.Big   `json:"amounts"`
	Proof   []hexutil.Bytes  `json:"proof"`
}

// Claims maps each account to its claim. Marshals deterministically:
// encoding/json emits map keys in sorted order.
type Claims map[common.Address]Claim

var (
	uint256Type      = mustNewType("uint256")
	addressType      = mustNewType("address")
	addressSliceType = mustNewType("address[]")
	uint256SliceType = mustNewType("uint256[]")

	leafArgs = abi.Arguments{
		{Type: uint256Type},
		{Type: addressSliceType},
		{Type: addressType},
		{Type: uint256SliceType},
	}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}

	return typ
}

// leafHash encodes one claim into its Merkle leaf.
func leafHash(index uint64, tokens []common.Address, account common.Address, amounts []*big.Int) ([]byte, error) {

	encoded, err := leafArgs.Pack(new(big.Int).SetUint64(index), tokens, account, amounts)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to encode leaf")
	}

	return crypto.Keccak256(encoded), nil
}

// Builder constructs the round's Merkle distribution and persists the claim
// set to content-addressed storage.
type Builder struct {
	store *ipfs.Client
}

func NewBuilder(store *ipfs.Client) *Builder {
	return &Builder{store: store}
}

// Result is a finished distribution: the root all oracles must agree on and
// the content identifier of the persisted claims.
type Result struct {
	MerkleRoot common.Hash
	ProofsCID  string
	Claims     Claims
}

// Build allocates delta over the snapshot, folds the amounts into the
// previous round's cumulative claims, builds the tree and proofs, and
// uploads the claim set. Identical inputs yield an identical root and CID.
func (b *Builder) Build(ctx context.Context, delta *big.Int, token common.Address, snapshot BalanceSnapshot, prev Claims) (*Result, error) {

	leaves, err := Allocate(delta, token, snapshot)
	if err != nil {
		return nil, err
	}

	cumulative := cumulativeAmounts(leaves, prev)

	accounts := make([]common.Address, 0, len(cumulative))
	for account := range cumulative {
		accounts = append(accounts, account)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Bytes(), accounts[j].Bytes()) < 0
	})

	claims := make(Claims, len(accounts))
	nodes := make([][]byte, 0, len(accounts))
	nodeByAccount := make(map[common.Address][]byte, len(accounts))

	for i, account := range accounts {

		tokenAmounts := cumulative[account]

		tokens := make([]common.Address, 0, len(tokenAmounts))
		for tok := range tokenAmounts {
			tokens = append(tokens, tok)
		}

		sort.Slice(tokens, func(a, z int) bool {
			return bytes.Compare(tokens[a].Bytes(), tokens[z].Bytes()) < 0
		})

		amounts := make([]*big.Int, 0, len(tokens))
		jsonAmounts := make([]*hexutil.Big, 0, len(tokens))
		for _, tok := range tokens {
			amounts = append(amounts, tokenAmounts[tok])
			jsonAmounts = append(jsonAmounts, (*hexutil.Big)(tokenAmounts[tok]))
		}

		node, err := leafHash(uint64(i), tokens, account, amounts)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, node)
		nodeByAccount[account] = node

		claims[account] = Claim{
			Index:   uint64(i),
			Tokens:  tokens,
			Amounts: jsonAmounts,
		}
	}

	tree, err := NewMerkleTree(nodes)
	if err != nil {
		return nil, err
	}

	for _, account := range accounts {
		proof, err := tree.Proof(nodeByAccount[account])
		if err != nil {
			return nil, err
		}

		claim := claims[account]
		claim.Proof = make([]hexutil.Bytes, len(proof))
		for i, p := range proof {
			claim.Proof[i] = p
		}
		claims[account] = claim
	}

	proofsCID, err := b.store.AddJSON(ctx, claims)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to persist claims")
	}

	root := common.BytesToHash(tree.Root())

	log.WithFields(log.Fields{
		"MerkleRoot": root.Hex(), "ProofsCID": proofsCID, "Accounts": len(accounts),
	}).Info("Built reward distribution")

	return &Result{
		MerkleRoot: root,
		ProofsCID:  proofsCID,
		Claims:     claims,
	}, nil
}

// FetchClaims loads a previous round's claim set by content identifier.
// An empty CID means there is no prior distribution.
func (b *Builder) FetchClaims(ctx context.Context, proofsCID string) (Claims, error) {

	if proofsCID == "" {
		return Claims{}, nil
	}

	var claims Claims
	if err := b.store.FetchJSON(ctx, proofsCID, &claims); err != nil {
		return nil, errors.Wrap(err, "Unable to fetch previous claims")
	}

	// Content fetched through a gateway is untrusted until it parses clean.
	for account, claim := range claims {
		if len(claim.Tokens) != len(claim.Amounts) {
			return nil, errors.Errorf("Malformed claim for %s: %d tokens, %d amounts",
				account.Hex(), len(claim.Tokens), len(claim.Amounts))
		}
	}

	return claims, nil
}

// cumulativeAmounts folds this round's allocation into the prior cumulative
// claim amounts, keyed account -> token -> amount.
func cumulativeAmounts(leaves []AllocationLeaf, prev Claims) map[common.Address]map[common.Address]*big.Int {

	cumulative := make(map[common.Address]map[common.Address]*big.Int)

	add := func(account, token common.Address, amount *big.Int) {
		if amount == nil || amount.Sign() == 0 {
			return
		}

		byToken, ok := cumulative[account]
		if !ok {
			byToken = make(map[common.Address]*big.Int)
			cumulative[account] = byToken
		}

		if existing, ok := byToken[token]; ok {
			byToken[token] = new(big.Int).Add(existing, amount)
		} else {
			byToken[token] = new(big.Int).Set(amount)
		}
	}

	for account, claim := range prev {
		for i, token := range claim.Tokens {
			add(account, token, (*big.Int)(claim.Amounts[i]))
		}
	}

	for _, leaf := range leaves {
		add(leaf.Account, leaf.Token, leaf.Amount)
	}

	return cumulative
}
