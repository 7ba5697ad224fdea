package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltSnapshotsBucket = []byte("snapshots")
	boltUpdatesBucket   = []byte("updates")
)

// BoltStore keeps snapshots in one bucket and a nested bucket per document
// for its update log, keyed by big-endian sequence.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSnapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltUpdatesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	if !validDocID(docID) {
		return Snapshot{}, ErrInvalidInput
	}
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		if state := tx.Bucket(boltSnapshotsBucket).Get([]byte(docID)); state != nil {
			snap.State = append([]byte(nil), state...)
		}
		log := tx.Bucket(boltUpdatesBucket).Bucket([]byte(docID))
		if log == nil {
			return nil
		}
		return log.ForEach(func(k, v []byte) error {
			snap.Updates = append(snap.Updates, append([]byte(nil), v...))
			snap.UpdateSeq = binary.BigEndian.Uint64(k)
			return nil
		})
	})
	return snap, err
}

func (s *BoltStore) Save(ctx context.Context, docID string, state []byte, compactThrough uint64) error {
	if !validDocID(docID) {
		return ErrInvalidInput
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltSnapshotsBucket).Put([]byte(docID), state); err != nil {
			return err
		}
		log := tx.Bucket(boltUpdatesBucket).Bucket([]byte(docID))
		if log == nil {
			return nil
		}
		var stale [][]byte
		c := log.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= compactThrough; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := log.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AppendUpdate(ctx context.Context, docID string, update []byte) (uint64, error) {
	if !validDocID(docID) || len(update) == 0 {
		return 0, ErrInvalidInput
	}
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		log, err := tx.Bucket(boltUpdatesBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		if seq, err = log.NextSequence(); err != nil {
			return err
		}
		return log.Put(seqKey(seq), update)
	})
	return seq, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
