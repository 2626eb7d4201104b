package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/notifications"
	"github.com/stakewise/oracle/rewards"
	"github.com/stakewise/oracle/webserver"
)

// handleVoting runs the oracle duty for one round: compute the reward delta,
// build the distribution, and publish a signed vote. Expected skips are
// logged and absorbed; only provider trouble is an error.
func (s *OracleServer) handleVoting(ctx context.Context, pendingNonce uint64) {

	defer func() {
		if r := recover(); r != nil {
			log.WithField("Message", r).Error("Panic while voting")
		}
	}()

	// Back off after a non-positive delta instead of hammering providers
	// with a computation that cannot change until balances move.
	if time.Now().Before(s.nextVoteAt) {
		log.WithField("Until", s.nextVoteAt).Debug("Within sync delay; not recomputing")
		return
	}

	state, outcome, err := s.calculator.Calculate(ctx, pendingNonce)
	if err != nil {
		log.WithError(err).WithField("Nonce", pendingNonce).Error("Unable to compute reward state")
		return
	}

	switch outcome {
	case rewards.SkippedNotDue:
		log.WithField("Nonce", pendingNonce).Debug("Next reward update not due yet")
		return

	case rewards.NotFinalized:
		log.WithField("Nonce", pendingNonce).Debug("Consensus data not confirmed yet")
		return

	case rewards.SkippedNoValidators:
		log.WithField("Nonce", pendingNonce).Info("No activated validators; nothing to distribute")
		return

	case rewards.SkippedNonPositive:
		s.nextVoteAt = time.Now().Add(s.syncDelay)
		log.WithFields(log.Fields{
			"Nonce": pendingNonce, "NextAttempt": s.nextVoteAt,
		}).Info("Non-positive reward delta; delaying next attempt")
		return
	}

	// The reward state carries the block every oracle must snapshot at;
	// sampling the local head here would make quorum depend on timing.
	snapshot, err := s.balances.BalanceSnapshot(ctx, state.SnapshotBlock)
	if err != nil {
		log.WithError(err).Error("Unable to fetch holder balances")
		return
	}

	prevCID, err := s.onchain.LastMerkleProofs(ctx)
	if err != nil {
		log.WithError(err).Error("Unable to fetch previous proofs pointer")
		return
	}

	prevClaims, err := s.builder.FetchClaims(ctx, prevCID)
	if err != nil {
		log.WithError(err).WithField("ProofsCID", prevCID).Error("Unable to fetch previous claims")
		return
	}

	result, err := s.builder.Build(ctx, state.Delta, s.rewardToken, snapshot, prevClaims)
	if err != nil {
		log.WithError(err).WithField("Nonce", pendingNonce).Error("Unable to build distribution")
		return
	}

	if s.dryRun {
		log.WithFields(log.Fields{
			"Nonce": pendingNonce, "MerkleRoot": result.MerkleRoot.Hex(),
		}).Info("Dry-run; not publishing vote")
		return
	}

	vote, err := s.publisher.Publish(ctx, pendingNonce, result.MerkleRoot, state.TotalRewards, result.ProofsCID)
	if err != nil {
		log.WithError(err).WithField("Nonce", pendingNonce).Error("Unable to publish vote")
		return
	}

	if vote == nil {
		// Identical vote already out there
		return
	}

	webserver.VotesPublished.Inc()
	webserver.LastVoteTimestamp.SetToCurrentTime()

	s.SendNotification(
		fmt.Sprintf("Published vote for round %d: %s", pendingNonce, result.MerkleRoot.Hex()),
		notifications.VOTING)
}
