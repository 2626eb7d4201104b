package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/keeper"
	"github.com/stakewise/oracle/notifications"
	"github.com/stakewise/oracle/webserver"
)

// Notify operators after this many rounds in a row end without quorum;
// a single miss is routine, a streak means oracles are diverging or down.
const quorumTimeoutAlertStreak = 3

// handleKeeping runs the keeper duty for one round: collect the oracles'
// votes, and when a quorum agrees, submit the finalizing transaction.
func (s *OracleServer) handleKeeping(ctx context.Context, pendingNonce uint64) {

	defer func() {
		if r := recover(); r != nil {
			log.WithField("Message", r).Error("Panic while keeping")
		}
	}()

	result, state, err := s.aggregator.Aggregate(ctx, pendingNonce)
	if err != nil {
		log.WithError(err).WithField("Nonce", pendingNonce).Error("Unable to aggregate votes")
		return
	}

	if state == keeper.StateIdle {
		webserver.QuorumTimeouts.Inc()

		s.timeoutStreak++
		if s.timeoutStreak == quorumTimeoutAlertStreak {
			s.SendNotification(
				fmt.Sprintf("%d rounds in a row timed out without quorum (latest: %d)", s.timeoutStreak, pendingNonce),
				notifications.KEEPER)
		}

		return
	}

	if state != keeper.StateSubmitting || result == nil {
		return
	}

	s.timeoutStreak = 0

	if s.dryRun {
		log.WithFields(log.Fields{
			"Nonce": pendingNonce, "MerkleRoot": result.MerkleRoot.Hex(),
		}).Info("Dry-run; not submitting finalize transaction")
		return
	}

	if err := s.submitter.Submit(ctx, result); err != nil {
		log.WithError(err).WithField("Nonce", pendingNonce).Error("Unable to finalize round")
		s.SendNotification(
			fmt.Sprintf("Failed to finalize round %d: %v", pendingNonce, err),
			notifications.KEEPER)
		return
	}

	if err := s.RecordFinalizedNonce(pendingNonce); err != nil {
		log.WithError(err).Warn("Unable to record finalized nonce")
	}

	webserver.RoundsFinalized.Inc()

	s.SendNotification(
		fmt.Sprintf("Round %d finalized: %s", pendingNonce, result.MerkleRoot.Hex()),
		notifications.KEEPER)
}
