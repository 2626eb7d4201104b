package storage

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// RecordPublishedVote saves the candidate id we signed and published for the
// given round nonce. Used to make vote publication idempotent: republishing
// identical content for a nonce is a no-op.
func (s *Storage) RecordPublishedVote(nonce uint64, candidateID []byte) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(VOTES_BUCKET))
		if err := b.SetSequence(nonce); err != nil { // Voting watermark
			return err
		}

		return b.Put(itob(nonce), candidateID)
	})
}

// HasPublishedVote reports whether a vote with this exact candidate id has
// already been published for the nonce.
func (s *Storage) HasPublishedVote(nonce uint64, candidateID []byte) (bool, error) {

	var published bool

	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(VOTES_BUCKET)).Get(itob(nonce))
		published = stored != nil && bytes.Equal(stored, candidateID)

		return nil
	})

	return published, err
}

// GetVotingWatermark returns the highest nonce we have ever voted on.
func (s *Storage) GetVotingWatermark() (uint64, error) {

	var watermark uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		watermark = tx.Bucket([]byte(VOTES_BUCKET)).Sequence()
		return nil
	})

	return watermark, err
}
