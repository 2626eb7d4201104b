package votes

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/stakewise/oracle/ipfs"
)

// Fetcher retrieves an oracle's latest vote by resolving the mutable
// discovery name registered for its address.
type Fetcher struct {
	store *ipfs.Client
}

func NewFetcher(store *ipfs.Client) *Fetcher {
	return &Fetcher{store: store}
}

// FetchVote resolves oracle's discovery pointer and fetches the vote behind
// it. Unreachable or malformed entries come back as errors for the caller
// to discard; signature checking is the aggregator's job.
func (f *Fetcher) FetchVote(ctx context.Context, oracle common.Address) (*Vote, error) {

	cid, err := f.store.ResolveName(ctx, DiscoveryName(oracle))
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to resolve pointer for %s", oracle.Hex())
	}

	var vote Vote
	if err := f.store.FetchJSON(ctx, cid, &vote); err != nil {
		return nil, errors.Wrapf(err, "Unable to fetch vote %s", cid)
	}

	if vote.TotalRewards == nil {
		return nil, errors.New("Vote is missing total rewards")
	}

	return &vote, nil
}

// DiscoveryName is the mutable name an oracle's votes are discovered under.
func DiscoveryName(oracle common.Address) string {
	return strings.ToLower(oracle.Hex())
}
