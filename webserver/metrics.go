package webserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Round-level metrics scraped by operators.
var (
	RoundNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oracle",
		Name:      "round_nonce",
		Help:      "Round nonce currently being processed.",
	})

	LastVoteTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oracle",
		Name:      "last_vote_timestamp_seconds",
		Help:      "Unix time of the most recent published vote.",
	})

	SignerBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oracle",
		Name:      "signer_balance_wei",
		Help:      "Signer account balance in wei.",
	})

	VotesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oracle",
		Name:      "votes_published_total",
		Help:      "Total votes published to the off-chain channel.",
	})

	RoundsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oracle",
		Name:      "rounds_finalized_total",
		Help:      "Rounds finalized by this keeper.",
	})

	QuorumTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oracle",
		Name:      "quorum_timeouts_total",
		Help:      "Rounds abandoned because quorum was not reached in time.",
	})
)
