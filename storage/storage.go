package storage

import (
	"encoding/binary"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	VOTES_BUCKET         = "votes"
	ROUNDS_BUCKET        = "rounds"
	CONFIG_BUCKET        = "config"
	NOTIFICATIONS_BUCKET = "notifications"
)

type Storage struct {
	db *bolt.DB
}

// InitStorage opens (or creates) the oracle database inside dataDir and
// makes sure all buckets exist. The network name is part of the filename so
// that mainnet and testnet state never mix.
func InitStorage(dataDir, network string) (*Storage, error) {

	dbFile := filepath.Join(dataDir, "oracle-"+network+".db")

	db, err := bolt.Open(dbFile, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to open DB file")
	}

	err = db.Update(func(tx *bolt.Tx) error {

		for _, bucket := range []string{VOTES_BUCKET, ROUNDS_BUCKET} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return errors.Wrapf(err, "Cannot create %s bucket", bucket)
			}
		}

		cb, err := tx.CreateBucketIfNotExists([]byte(CONFIG_BUCKET))
		if err != nil {
			return errors.Wrap(err, "Cannot create config bucket")
		}

		if _, err := cb.CreateBucketIfNotExists([]byte(NOTIFICATIONS_BUCKET)); err != nil {
			return errors.Wrap(err, "Cannot create notifications bucket")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithField("File", dbFile).Debug("Opened boltDB")

	return &Storage{db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	log.Info("Database closed")
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
