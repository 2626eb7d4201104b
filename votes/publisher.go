package votes

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/ipfs"
	"github.com/stakewise/oracle/signer"
	"github.com/stakewise/oracle/storage"
)

// Publisher signs a computed round result and publishes it to the off-chain
// channel, then repoints the oracle's discovery name at the new content.
// Publication is idempotent per nonce: identical content is a no-op.
type Publisher struct {
	signer  *signer.Signer
	store   *ipfs.Client
	db      *storage.Storage
	keyName string
}

func NewPublisher(sg *signer.Signer, store *ipfs.Client, db *storage.Storage, keyName string) *Publisher {
	return &Publisher{
		signer:  sg,
		store:   store,
		db:      db,
		keyName: keyName,
	}
}

// Publish signs and publishes the candidate for nonce. It returns the
// published vote, or (nil, nil) when an identical vote for this nonce is
// already out there.
func (p *Publisher) Publish(ctx context.Context, nonce uint64, merkleRoot common.Hash, totalRewards *big.Int, proofsCID string) (*Vote, error) {

	candidateID, err := CandidateID(nonce, merkleRoot, totalRewards, proofsCID)
	if err != nil {
		return nil, err
	}

	// Re-running with identical content: nothing new to say.
	published, err := p.db.HasPublishedVote(nonce, candidateID)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to check published votes")
	}
	if published {
		log.WithField("Nonce", nonce).Info("Identical vote already published; skipping")
		return nil, nil
	}

	signature, err := p.signer.SignCandidate(candidateID)
	if err != nil {
		return nil, err
	}

	vote := &Vote{
		Nonce:        nonce,
		MerkleRoot:   merkleRoot,
		TotalRewards: (*hexutil.Big)(totalRewards),
		ProofsCID:    proofsCID,
		Oracle:       p.signer.Address(),
		Signature:    signature,
	}

	voteCID, err := p.store.AddJSON(ctx, vote)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to publish vote")
	}

	if err := p.store.PublishName(ctx, p.keyName, voteCID); err != nil {
		return nil, errors.Wrap(err, "Unable to update discovery pointer")
	}

	if err := p.db.RecordPublishedVote(nonce, candidateID); err != nil {
		return nil, errors.Wrap(err, "Unable to record published vote")
	}

	if err := p.db.RecordLastVoteTimestamp(uint64(time.Now().Unix())); err != nil {
		log.WithError(err).Warn("Unable to record vote timestamp")
	}

	log.WithFields(log.Fields{
		"Nonce": nonce, "MerkleRoot": merkleRoot.Hex(),
		"TotalRewards": totalRewards, "VoteCID": voteCID,
	}).Info("Published vote")

	return vote, nil
}
