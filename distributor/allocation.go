// Package distributor allocates a round's reward delta across token holders
// and builds the Merkle distribution tree with per-account claim proofs.
// Everything here must be bit-exact across independently-running oracles:
// identical inputs always produce an identical root and content identifier.
package distributor

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// AllocationLeaf is one account's share of a distribution for one token.
type AllocationLeaf struct {
	Account common.Address
	Token   common.Address
	Amount  *big.Int
}

// BalanceSnapshot is the proportional basis for an allocation: holder
// balances and the total supply they sum to, as of one block.
type BalanceSnapshot struct {
	Balances    map[common.Address]*big.Int
	TotalSupply *big.Int
}

// Allocate splits delta across holders proportionally to balance:
// share = floor(delta * balance / totalSupply). The integer-division
// remainder goes to the last account in ascending address order, so the
// allocated amounts always sum to delta exactly. Zero shares are dropped.
func Allocate(delta *big.Int, token common.Address, snapshot BalanceSnapshot) ([]AllocationLeaf, error) {

	if delta == nil || delta.Sign() <= 0 {
		return nil, errors.New("Allocation delta must be positive")
	}

	if snapshot.TotalSupply == nil || snapshot.TotalSupply.Sign() <= 0 {
		return nil, errors.New("Total supply must be positive")
	}

	accounts := make([]common.Address, 0, len(snapshot.Balances))
	for account := range snapshot.Balances {
		accounts = append(accounts, account)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Bytes(), accounts[j].Bytes()) < 0
	})

	var (
		leaves      []AllocationLeaf
		distributed = new(big.Int)
	)

	lastIndex := len(accounts) - 1

	for i, account := range accounts {

		var share *big.Int

		if i == lastIndex {
			// Remainder policy: the final account in sort order
			// absorbs whatever integer division left behind.
			share = new(big.Int).Sub(delta, distributed)
		} else {
			balance := snapshot.Balances[account]
			if balance == nil || balance.Sign() <= 0 {
				continue
			}

			share = new(big.Int).Mul(delta, balance)
			share.Div(share, snapshot.TotalSupply)
		}

		if share.Sign() <= 0 {
			continue
		}

		distributed.Add(distributed, share)

		leaves = append(leaves, AllocationLeaf{
			Account: account,
			Token:   token,
			Amount:  share,
		})
	}

	if len(leaves) == 0 {
		return nil, errors.New("Allocation produced no leaves")
	}

	return leaves, nil
}
