package keeper

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/oracle/chainclient"
	"github.com/stakewise/oracle/signer"
	"github.com/stakewise/oracle/votes"
)

// Deterministic test keys; never fund them.
var testKeys = []string{
	"b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
	"8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a",
	"95e06fa1a8411d7f6693f486f0f450b122c58feadbcee43fbd02e13da59395d5",
	"4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
}

type testOracle struct {
	signer *signer.Signer
}

func testOracles(t *testing.T) []testOracle {
	t.Helper()

	oracles := make([]testOracle, len(testKeys))
	for i, key := range testKeys {
		sg, err := signer.FromHex(key)
		require.NoError(t, err)
		oracles[i] = testOracle{signer: sg}
	}

	return oracles
}

func signedVote(t *testing.T, sg *signer.Signer, nonce uint64, root common.Hash, rewards int64, cid string) *votes.Vote {
	t.Helper()

	candidateID, err := votes.CandidateID(nonce, root, big.NewInt(rewards), cid)
	require.NoError(t, err)

	sig, err := sg.SignCandidate(candidateID)
	require.NoError(t, err)

	return &votes.Vote{
		Nonce:        nonce,
		MerkleRoot:   root,
		TotalRewards: (*hexutil.Big)(big.NewInt(rewards)),
		ProofsCID:    cid,
		Oracle:       sg.Address(),
		Signature:    sig,
	}
}

type staticResolver struct {
	registry *chainclient.OracleRegistry
}

func (r *staticResolver) Resolve(ctx context.Context) (*chainclient.OracleRegistry, error) {
	return r.registry, nil
}

type mapFetcher struct {
	mu    sync.Mutex
	votes map[common.Address]*votes.Vote
}

func (f *mapFetcher) FetchVote(ctx context.Context, oracle common.Address) (*votes.Vote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vote, ok := f.votes[oracle]
	if !ok {
		return nil, errors.New("no vote")
	}

	return vote, nil
}

func (f *mapFetcher) put(vote *votes.Vote) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.votes[vote.Oracle] = vote
}

func registryOf(oracles []testOracle, quorum int) *chainclient.OracleRegistry {

	addrs := make([]common.Address, len(oracles))
	for i, o := range oracles {
		addrs[i] = o.signer.Address()
	}

	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})

	return &chainclient.OracleRegistry{Oracles: addrs, Quorum: quorum}
}

func TestAggregateQuorumReached(t *testing.T) {

	oracles := testOracles(t)
	root := common.HexToHash("0x0abc")

	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}
	for _, o := range oracles[:3] {
		fetcher.put(signedVote(t, o.signer, 9, root, 777, "QmClaims"))
	}

	agg := NewAggregator(&staticResolver{registryOf(oracles, 3)}, fetcher,
		clockwork.NewFakeClock(), time.Hour, time.Second)

	result, state, err := agg.Aggregate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitting, state)
	require.NotNil(t, result)

	assert.Equal(t, uint64(9), result.Nonce)
	assert.Equal(t, root, result.MerkleRoot)
	assert.Zero(t, result.TotalRewards.Cmp(big.NewInt(777)))
	assert.Equal(t, "QmClaims", result.ProofsCID)
	require.Len(t, result.Signatures, 3)

	// The on-chain verifier requires signatures ascending by signer.
	assert.True(t, sort.SliceIsSorted(result.Oracles, func(i, j int) bool {
		return bytes.Compare(result.Oracles[i].Bytes(), result.Oracles[j].Bytes()) < 0
	}))
}

func TestFindQuorumOrdersSignaturesByAddressBytes(t *testing.T) {

	// EIP-55 casing makes the checksummed strings of these two addresses
	// sort in the opposite direction to their byte values.
	lo := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	hi := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	require.True(t, bytes.Compare(lo.Bytes(), hi.Bytes()) < 0)
	require.True(t, lo.Hex() > hi.Hex())

	root := common.HexToHash("0x0abc")
	collected := make(map[common.Address]*votes.Vote)
	for i, oracle := range []common.Address{hi, lo} {
		collected[oracle] = &votes.Vote{
			Nonce:        9,
			MerkleRoot:   root,
			TotalRewards: (*hexutil.Big)(big.NewInt(777)),
			ProofsCID:    "QmClaims",
			Oracle:       oracle,
			Signature:    []byte{byte(i)},
		}
	}

	result := findQuorum(9, collected, 2)
	require.NotNil(t, result)
	assert.Equal(t, []common.Address{lo, hi}, result.Oracles)
	assert.Equal(t, []byte(collected[lo].Signature), result.Signatures[0])
	assert.Equal(t, []byte(collected[hi].Signature), result.Signatures[1])
}

func TestAggregateBelowQuorumTimesOut(t *testing.T) {

	oracles := testOracles(t)
	root := common.HexToHash("0x0abc")

	// Two agreeing votes against a quorum of three.
	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}
	for _, o := range oracles[:2] {
		fetcher.put(signedVote(t, o.signer, 9, root, 777, "QmClaims"))
	}

	// Timeout equal to the poll interval: one collection pass, then idle.
	agg := NewAggregator(&staticResolver{registryOf(oracles, 3)}, fetcher,
		clockwork.NewFakeClock(), time.Second, time.Second)

	result, state, err := agg.Aggregate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Nil(t, result)
}

func TestAggregateDivergentCandidatesNoQuorum(t *testing.T) {

	oracles := testOracles(t)

	// Three votes, but only two agree on the same candidate.
	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}
	fetcher.put(signedVote(t, oracles[0].signer, 9, common.HexToHash("0x01"), 777, "QmA"))
	fetcher.put(signedVote(t, oracles[1].signer, 9, common.HexToHash("0x01"), 777, "QmA"))
	fetcher.put(signedVote(t, oracles[2].signer, 9, common.HexToHash("0x02"), 778, "QmB"))

	agg := NewAggregator(&staticResolver{registryOf(oracles, 3)}, fetcher,
		clockwork.NewFakeClock(), time.Second, time.Second)

	result, state, err := agg.Aggregate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Nil(t, result)
}

func TestAggregateDiscardsInvalidVotes(t *testing.T) {

	oracles := testOracles(t)
	root := common.HexToHash("0x0abc")

	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}

	// Stale nonce.
	fetcher.put(signedVote(t, oracles[0].signer, 8, root, 777, "QmClaims"))

	// Signature does not match the claimed oracle.
	forged := signedVote(t, oracles[1].signer, 9, root, 777, "QmClaims")
	forged.TotalRewards = (*hexutil.Big)(big.NewInt(999))
	fetcher.put(forged)

	// Honest vote, but one is not a quorum of two.
	fetcher.put(signedVote(t, oracles[2].signer, 9, root, 777, "QmClaims"))

	agg := NewAggregator(&staticResolver{registryOf(oracles, 2)}, fetcher,
		clockwork.NewFakeClock(), time.Second, time.Second)

	result, state, err := agg.Aggregate(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Nil(t, result)
}

func TestAggregateQuorumOnLaterPoll(t *testing.T) {

	oracles := testOracles(t)
	root := common.HexToHash("0x0abc")

	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}
	fetcher.put(signedVote(t, oracles[0].signer, 9, root, 777, "QmClaims"))

	clock := clockwork.NewFakeClock()
	agg := NewAggregator(&staticResolver{registryOf(oracles, 2)}, fetcher,
		clock, time.Hour, time.Second)

	type outcome struct {
		result *AggregatedResult
		state  State
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, state, err := agg.Aggregate(context.Background(), 9)
		done <- outcome{result, state, err}
	}()

	// First pass finds one vote; the aggregator parks on its poll timer.
	clock.BlockUntil(1)

	// The second oracle publishes while the keeper waits.
	fetcher.put(signedVote(t, oracles[1].signer, 9, root, 777, "QmClaims"))
	clock.Advance(time.Second)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, StateSubmitting, got.state)
	require.NotNil(t, got.result)
	assert.Len(t, got.result.Signatures, 2)
}

func TestAggregateContextCanceled(t *testing.T) {

	oracles := testOracles(t)

	fetcher := &mapFetcher{votes: make(map[common.Address]*votes.Vote)}

	clock := clockwork.NewFakeClock()
	agg := NewAggregator(&staticResolver{registryOf(oracles, 2)}, fetcher,
		clock, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := agg.Aggregate(ctx, 9)
		done <- err
	}()

	clock.BlockUntil(1)
	cancel()

	require.Error(t, <-done)
}
