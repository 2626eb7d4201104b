package storage

import (
	bolt "go.etcd.io/bbolt"
)

const (
	FINALIZED_NONCE = "finalizednonce"
	LAST_VOTE_AT    = "lastvoteat"
)

// RecordFinalizedNonce stores the highest on-chain nonce we have observed as
// finalized. Nothing in the process ever acts on a nonce at or below it.
func (s *Storage) RecordFinalizedNonce(nonce uint64) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ROUNDS_BUCKET)).Put([]byte(FINALIZED_NONCE), itob(nonce))
	})
}

func (s *Storage) GetFinalizedNonce() (uint64, error) {

	var nonce uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		nonce = btoi(tx.Bucket([]byte(ROUNDS_BUCKET)).Get([]byte(FINALIZED_NONCE)))
		return nil
	})

	return nonce, err
}

// RecordLastVoteTimestamp stores the unix time of our most recent published
// vote; exposed through the status API for operators.
func (s *Storage) RecordLastVoteTimestamp(ts uint64) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ROUNDS_BUCKET)).Put([]byte(LAST_VOTE_AT), itob(ts))
	})
}

func (s *Storage) GetLastVoteTimestamp() (uint64, error) {

	var ts uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		ts = btoi(tx.Bucket([]byte(ROUNDS_BUCKET)).Get([]byte(LAST_VOTE_AT)))
		return nil
	})

	return ts, err
}
