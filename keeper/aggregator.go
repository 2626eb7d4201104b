// Package keeper implements the keeper role: collecting the oracles' votes
// for the pending round, detecting quorum agreement, and submitting the one
// finalizing transaction.
package keeper

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/chainclient"
	"github.com/stakewise/oracle/votes"
)

// State names one position in the round state machine. Transitions are
// driven by explicit outcomes, never by errors crossing component borders.
type State string

const (
	StateWaiting       State = "WAITING"
	StateCollecting    State = "COLLECTING"
	StateQuorumReached State = "QUORUM_REACHED"
	StateSubmitting    State = "SUBMITTING"
	StateTimeout       State = "TIMEOUT"
	StateIdle          State = "IDLE"
)

// RegistryResolver resolves the authorized oracle set for the round.
type RegistryResolver interface {
	Resolve(ctx context.Context) (*chainclient.OracleRegistry, error)
}

// VoteFetcher retrieves one oracle's latest published vote through its
// discovery pointer.
type VoteFetcher interface {
	FetchVote(ctx context.Context, oracle common.Address) (*votes.Vote, error)
}

// AggregatedResult is a candidate with quorum agreement, ready for
// submission: signatures ordered ascending by signer address, as the
// on-chain verifier requires.
type AggregatedResult struct {
	Nonce        uint64
	MerkleRoot   common.Hash
	TotalRewards *big.Int
	ProofsCID    string
	Oracles      []common.Address
	Signatures   [][]byte
}

// Aggregator collects votes for one pending nonce at a time.
type Aggregator struct {
	resolver RegistryResolver
	fetcher  VoteFetcher
	clock    clockwork.Clock

	votingTimeout time.Duration
	pollInterval  time.Duration
}

func NewAggregator(resolver RegistryResolver, fetcher VoteFetcher, clock clockwork.Clock, votingTimeout, pollInterval time.Duration) *Aggregator {
	return &Aggregator{
		resolver:      resolver,
		fetcher:       fetcher,
		clock:         clock,
		votingTimeout: votingTimeout,
		pollInterval:  pollInterval,
	}
}

// Aggregate runs the collection state machine for pendingNonce. It returns
// the terminal state reached: StateSubmitting with a result when a quorum
// group formed, or StateIdle after the voting timeout with no agreement.
// Invalid and unreachable votes are discarded, never fatal.
func (a *Aggregator) Aggregate(ctx context.Context, pendingNonce uint64) (*AggregatedResult, State, error) {

	state := StateWaiting

	registry, err := a.resolver.Resolve(ctx)
	if err != nil {
		return nil, state, err
	}

	state = StateCollecting
	deadline := a.clock.Now().Add(a.votingTimeout)

	log.WithFields(log.Fields{
		"Nonce": pendingNonce, "Oracles": len(registry.Oracles), "Quorum": registry.Quorum,
	}).Info("Collecting votes")

	for {
		collected := a.collectOnce(ctx, pendingNonce, registry)

		if result := findQuorum(pendingNonce, collected, registry.Quorum); result != nil {
			log.WithFields(log.Fields{
				"Nonce": pendingNonce, "MerkleRoot": result.MerkleRoot.Hex(),
				"Votes": len(result.Signatures),
			}).Info("Quorum reached")

			return result, StateSubmitting, nil
		}

		if !a.clock.Now().Add(a.pollInterval).Before(deadline) {
			log.WithFields(log.Fields{
				"Nonce": pendingNonce, "Collected": len(collected),
			}).Warn("Voting timeout; abandoning round")

			return nil, StateIdle, nil
		}

		select {
		case <-a.clock.After(a.pollInterval):
		case <-ctx.Done():
			return nil, StateIdle, ctx.Err()
		}
	}
}

// collectOnce fetches every oracle's current vote, keeping at most one valid
// vote per authorized address.
func (a *Aggregator) collectOnce(ctx context.Context, pendingNonce uint64, registry *chainclient.OracleRegistry) map[common.Address]*votes.Vote {

	collected := make(map[common.Address]*votes.Vote, len(registry.Oracles))

	for _, oracle := range registry.Oracles {

		vote, err := a.fetcher.FetchVote(ctx, oracle)
		if err != nil {
			log.WithError(err).WithField("Oracle", oracle.Hex()).Debug("No vote retrievable")
			continue
		}

		if vote.Nonce != pendingNonce {
			log.WithFields(log.Fields{
				"Oracle": oracle.Hex(), "VoteNonce": vote.Nonce, "Pending": pendingNonce,
			}).Debug("Stale vote discarded")
			continue
		}

		if vote.Oracle != oracle {
			log.WithField("Oracle", oracle.Hex()).Warn("Vote claims a different oracle address; discarded")
			continue
		}

		if err := vote.Verify(); err != nil {
			log.WithError(err).WithField("Oracle", oracle.Hex()).Warn("Invalid vote signature; discarded")
			continue
		}

		collected[oracle] = vote
	}

	return collected
}

// findQuorum groups collected votes by identical candidate and returns the
// aggregated result of the first group reaching quorum, or nil.
func findQuorum(nonce uint64, collected map[common.Address]*votes.Vote, quorum int) *AggregatedResult {

	groups := make(map[string][]*votes.Vote)
	for _, vote := range collected {
		key := vote.Candidate().Key()
		groups[key] = append(groups[key], vote)
	}

	for _, group := range groups {
		if len(group) < quorum {
			continue
		}

		// Ascending address order required by the on-chain verifier.
		sort.Slice(group, func(i, j int) bool {
			return bytes.Compare(group[i].Oracle.Bytes(), group[j].Oracle.Bytes()) < 0
		})

		result := &AggregatedResult{
			Nonce:        nonce,
			MerkleRoot:   group[0].MerkleRoot,
			TotalRewards: (*big.Int)(group[0].TotalRewards),
			ProofsCID:    group[0].ProofsCID,
		}

		for _, vote := range group {
			result.Oracles = append(result.Oracles, vote.Oracle)
			result.Signatures = append(result.Signatures, vote.Signature)
		}

		return result
	}

	return nil
}
