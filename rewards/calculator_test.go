package rewards

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecution struct {
	deposited   *big.Int
	distributed *big.Int
	publicKeys  [][]byte
	err         error
}

func (f *fakeExecution) TotalDeposited(ctx context.Context) (*big.Int, error) {
	return f.deposited, f.err
}

func (f *fakeExecution) TotalDistributed(ctx context.Context) (*big.Int, error) {
	return f.distributed, f.err
}

func (f *fakeExecution) RegisteredPublicKeys(ctx context.Context) ([][]byte, error) {
	return f.publicKeys, f.err
}

// Epoch layout for the fakes: genesis at 0, 384-second epochs.
const testEpochSeconds = 384

type fakeConsensus struct {
	finalized    uint64
	finalizedErr error

	totalBalance *big.Int
	activated    int

	gotEpoch uint64
}

func (f *fakeConsensus) FinalizedEpoch(ctx context.Context) (uint64, error) {
	return f.finalized, f.finalizedErr
}

func (f *fakeConsensus) ValidatorBalances(ctx context.Context, epoch uint64, publicKeys [][]byte) (*big.Int, int, error) {
	f.gotEpoch = epoch
	return f.totalBalance, f.activated, nil
}

func (f *fakeConsensus) EpochAt(timestamp uint64) uint64 {
	return timestamp / testEpochSeconds
}

type fakeAnchors struct {
	anchor *SyncAnchor
	err    error
}

func (f *fakeAnchors) SyncAnchor(ctx context.Context) (*SyncAnchor, error) {
	return f.anchor, f.err
}

func oneKey() [][]byte {
	return [][]byte{make([]byte, 48)}
}

// testCalculator anchors the last update at epoch 100 (timestamp 38400) on
// block 5555, with a 10-epoch sync period. The next boundary is timestamp
// 42240, i.e. epoch 110.
func testCalculator(execution *fakeExecution, consensus *fakeConsensus, nowUnix int64) *Calculator {
	anchors := &fakeAnchors{anchor: &SyncAnchor{Timestamp: 38400, BlockNumber: 5555}}

	return NewCalculator(execution, consensus, anchors,
		clockwork.NewFakeClockAt(time.Unix(nowUnix, 0)), 10*testEpochSeconds*time.Second, 3)
}

func TestCalculateComputesDelta(t *testing.T) {

	execution := &fakeExecution{
		deposited:   big.NewInt(3200),
		distributed: big.NewInt(50),
		publicKeys:  oneKey(),
	}
	consensus := &fakeConsensus{
		finalized:    113,
		totalBalance: big.NewInt(3400),
		activated:    1,
	}

	state, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Computed, outcome)
	require.NotNil(t, state)

	// delta = 3400 - 3200 - 50
	assert.Zero(t, state.Delta.Cmp(big.NewInt(150)))
	// total = alreadyDistributed + delta
	assert.Zero(t, state.TotalRewards.Cmp(big.NewInt(200)))
	assert.Zero(t, state.PrevDistributed.Cmp(big.NewInt(50)))
	assert.Equal(t, uint64(7), state.Nonce)
	assert.Equal(t, 1, state.ActivatedValidators)

	// Balances must be read at the period boundary's epoch, and the holder
	// snapshot block must come from the anchor.
	assert.Equal(t, uint64(110), state.Epoch)
	assert.Equal(t, uint64(110), consensus.gotEpoch)
	assert.Equal(t, uint64(5555), state.SnapshotBlock)
}

func TestCalculateAnchorsInputsToRound(t *testing.T) {

	// Oracles polling at different moments within the same period, against
	// nodes with different finality progress, must land on identical inputs
	// or quorum on a shared root becomes a coincidence.
	cases := []struct {
		now       int64
		finalized uint64
	}{
		{42250, 113},
		{45900, 121},
	}

	for _, tc := range cases {
		execution := &fakeExecution{
			deposited:   big.NewInt(3200),
			distributed: big.NewInt(50),
			publicKeys:  oneKey(),
		}
		consensus := &fakeConsensus{
			finalized:    tc.finalized,
			totalBalance: big.NewInt(3400),
			activated:    1,
		}

		state, outcome, err := testCalculator(execution, consensus, tc.now).Calculate(context.Background(), 7)
		require.NoError(t, err)
		require.Equal(t, Computed, outcome)

		assert.Equal(t, uint64(110), state.Epoch)
		assert.Equal(t, uint64(110), consensus.gotEpoch)
		assert.Equal(t, uint64(5555), state.SnapshotBlock)
	}
}

func TestCalculateNotDueYet(t *testing.T) {

	execution := &fakeExecution{publicKeys: oneKey()}
	consensus := &fakeConsensus{finalized: 200}

	// One second before the period boundary.
	state, outcome, err := testCalculator(execution, consensus, 42239).Calculate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, SkippedNotDue, outcome)
	assert.Nil(t, state)
}

func TestCalculateCatchesUpSkippedPeriods(t *testing.T) {

	execution := &fakeExecution{
		deposited:   big.NewInt(3200),
		distributed: big.NewInt(50),
		publicKeys:  oneKey(),
	}
	consensus := &fakeConsensus{
		finalized:    200,
		totalBalance: big.NewInt(3400),
		activated:    1,
	}

	// Five periods after the anchor: the boundary is epoch 150, not 110.
	state, outcome, err := testCalculator(execution, consensus, 38400+5*10*testEpochSeconds+10).Calculate(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Computed, outcome)
	assert.Equal(t, uint64(150), state.Epoch)
	assert.Equal(t, uint64(150), consensus.gotEpoch)
}

func TestCalculateNonPositiveDelta(t *testing.T) {

	execution := &fakeExecution{
		deposited:   big.NewInt(3200),
		distributed: big.NewInt(0),
		publicKeys:  oneKey(),
	}
	consensus := &fakeConsensus{
		finalized:    113,
		totalBalance: big.NewInt(3100), // slashed below principal
		activated:    1,
	}

	state, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, SkippedNonPositive, outcome)
	assert.Nil(t, state)
}

func TestCalculateNoValidators(t *testing.T) {

	execution := &fakeExecution{publicKeys: nil}
	consensus := &fakeConsensus{finalized: 113}

	state, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, SkippedNoValidators, outcome)
	assert.Nil(t, state)
}

func TestCalculateNoneActivated(t *testing.T) {

	execution := &fakeExecution{publicKeys: oneKey()}
	consensus := &fakeConsensus{
		finalized:    113,
		totalBalance: big.NewInt(0),
		activated:    0,
	}

	_, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, SkippedNoValidators, outcome)
}

func TestCalculateNotFinalizedDeepEnough(t *testing.T) {

	execution := &fakeExecution{publicKeys: oneKey()}

	// Boundary epoch 110 plus three confirmation epochs is not covered.
	consensus := &fakeConsensus{finalized: 112}

	_, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, NotFinalized, outcome)
}

func TestCalculateAnchorErrorSurfaces(t *testing.T) {

	execution := &fakeExecution{publicKeys: oneKey()}
	consensus := &fakeConsensus{finalized: 113}
	anchors := &fakeAnchors{err: errors.New("subgraph down")}

	calc := NewCalculator(execution, consensus, anchors,
		clockwork.NewFakeClockAt(time.Unix(42300, 0)), 10*testEpochSeconds*time.Second, 3)

	_, outcome, err := calc.Calculate(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, NotFinalized, outcome)
}

func TestCalculateProviderErrorSurfaces(t *testing.T) {

	execution := &fakeExecution{err: errors.New("provider down"), publicKeys: oneKey()}
	consensus := &fakeConsensus{finalized: 113, totalBalance: big.NewInt(1), activated: 1}

	_, outcome, err := testCalculator(execution, consensus, 42300).Calculate(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, NotFinalized, outcome)
}
