// Package rewards derives the distributable reward delta for a round from
// confirmed validator balance data and the pool's on-chain totals.
package rewards

import (
	"context"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ExecutionReader supplies the pool's on-chain totals.
type ExecutionReader interface {
	TotalDeposited(ctx context.Context) (*big.Int, error)
	TotalDistributed(ctx context.Context) (*big.Int, error)
	RegisteredPublicKeys(ctx context.Context) ([][]byte, error)
}

// ConsensusReader supplies finalized validator balances and the mapping from
// wall-clock time onto beacon chain epochs.
type ConsensusReader interface {
	FinalizedEpoch(ctx context.Context) (uint64, error)
	ValidatorBalances(ctx context.Context, epoch uint64, publicKeys [][]byte) (totalWei *big.Int, activated int, err error)
	EpochAt(timestamp uint64) uint64
}

// SyncAnchor pins a round's inputs to on-chain history: the timestamp and
// block number of the last finalized rewards update. Both only change when
// a round finalizes, so every oracle polling during the same round reads
// identical values.
type SyncAnchor struct {
	Timestamp   uint64
	BlockNumber uint64
}

// AnchorReader supplies the sync anchor for the pending round.
type AnchorReader interface {
	SyncAnchor(ctx context.Context) (*SyncAnchor, error)
}

// RewardState is the immutable result of one round's reward computation.
type RewardState struct {
	Nonce uint64

	// PrevDistributed is the cumulative amount already distributed before
	// this round; Delta is what this round adds. TotalRewards is their sum
	// and is the value oracles vote on.
	PrevDistributed *big.Int
	Delta           *big.Int
	TotalRewards    *big.Int

	ActivatedValidators int

	// Epoch and SnapshotBlock anchor the round's inputs: validator balances
	// are read at Epoch, holder balances at SnapshotBlock. Both derive from
	// the sync anchor so independent oracles compute over identical data.
	Epoch         uint64
	SnapshotBlock uint64
}

// Outcome classifies a calculation attempt. Expected skips are outcomes,
// not errors: they are absorbed by the round loop and retried next tick.
type Outcome int

const (
	// Computed: a positive delta is ready for distribution.
	Computed Outcome = iota
	// SkippedNonPositive: delta <= 0; apply the sync delay and retry.
	SkippedNonPositive
	// SkippedNoValidators: the pool has no activated validators yet.
	SkippedNoValidators
	// NotFinalized: consensus data is not confirmed deep enough yet.
	NotFinalized
	// SkippedNotDue: the next sync period boundary has not passed yet.
	SkippedNotDue
)

// Calculator computes RewardState once per round.
type Calculator struct {
	execution ExecutionReader
	consensus ConsensusReader
	anchors   AnchorReader
	clock     clockwork.Clock

	// syncPeriod is the cadence of on-chain reward updates; each round's
	// reference epoch sits on a period boundary after the last update.
	syncPeriod time.Duration

	// confirmationEpochs is how many epochs past the reference epoch the
	// finalized checkpoint must be before its data is trusted, guarding
	// against shallow reorgs of the finality signal source.
	confirmationEpochs uint64
}

func NewCalculator(execution ExecutionReader, consensus ConsensusReader, anchors AnchorReader, clock clockwork.Clock, syncPeriod time.Duration, confirmationEpochs uint64) *Calculator {
	return &Calculator{
		execution:          execution,
		consensus:          consensus,
		anchors:            anchors,
		clock:              clock,
		syncPeriod:         syncPeriod,
		confirmationEpochs: confirmationEpochs,
	}
}

// Calculate derives the reward delta for the given round nonce:
//
//	delta = totalValidatorBalance - totalDeposited - alreadyDistributed
//
// Validator balances are read at the reference epoch: the first sync period
// boundary after the last on-chain update that has already passed. The
// boundary is a pure function of on-chain state and the period, so every
// oracle lands on the same epoch no matter when it polls during the round.
// Unavailable provider data surfaces as an error (retried by the caller's
// policy); expected conditions surface as non-Computed outcomes.
func (c *Calculator) Calculate(ctx context.Context, nonce uint64) (*RewardState, Outcome, error) {

	period := uint64(c.syncPeriod / time.Second)
	if period == 0 {
		return nil, NotFinalized, errors.New("Sync period is not configured")
	}

	anchor, err := c.anchors.SyncAnchor(ctx)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch sync anchor")
	}

	// Catch up over skipped periods so a long outage still lands every
	// oracle on the same boundary.
	updateTime := anchor.Timestamp + period
	now := uint64(c.clock.Now().Unix())
	for updateTime+period <= now {
		updateTime += period
	}

	if updateTime > now {
		return nil, SkippedNotDue, nil
	}

	referenceEpoch := c.consensus.EpochAt(updateTime)

	finalized, err := c.consensus.FinalizedEpoch(ctx)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch finalized epoch")
	}

	if finalized < referenceEpoch+c.confirmationEpochs {
		return nil, NotFinalized, nil
	}

	publicKeys, err := c.execution.RegisteredPublicKeys(ctx)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch registered validators")
	}

	if len(publicKeys) == 0 {
		return nil, SkippedNoValidators, nil
	}

	totalBalance, activated, err := c.consensus.ValidatorBalances(ctx, referenceEpoch, publicKeys)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch validator balances")
	}

	if activated == 0 {
		return nil, SkippedNoValidators, nil
	}

	totalDeposited, err := c.execution.TotalDeposited(ctx)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch total deposited")
	}

	alreadyDistributed, err := c.execution.TotalDistributed(ctx)
	if err != nil {
		return nil, NotFinalized, errors.Wrap(err, "Unable to fetch total distributed")
	}

	delta := new(big.Int).Sub(totalBalance, totalDeposited)
	delta.Sub(delta, alreadyDistributed)

	log.WithFields(log.Fields{
		"Nonce": nonce, "Epoch": referenceEpoch, "SnapshotBlock": anchor.BlockNumber,
		"Activated": activated, "TotalBalance": totalBalance,
		"Deposited": totalDeposited, "Distributed": alreadyDistributed, "Delta": delta,
	}).Info("Computed reward state")

	if delta.Sign() <= 0 {
		return nil, SkippedNonPositive, nil
	}

	return &RewardState{
		Nonce:               nonce,
		PrevDistributed:     alreadyDistributed,
		Delta:               delta,
		TotalRewards:        new(big.Int).Add(alreadyDistributed, delta),
		ActivatedValidators: activated,
		Epoch:               referenceEpoch,
		SnapshotBlock:       anchor.BlockNumber,
	}, Computed, nil
}
