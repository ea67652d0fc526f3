// Package store implements the receiver's crash-resumable assembly-bitmap
// persistence. A bolt-backed key-value store, keyed by
// (session nonce, segment_id), lets a restarted receiver process pick up an
// in-flight segment without re-receiving chunks it had already recorded.
// This is opt-in and write-behind: the in-memory assembly path is the
// source of truth while the process is alive, the store only protects
// against a restart.
package store

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketSegments = []byte("segments")

// ErrNotFound is returned by Load when no snapshot is recorded for the key.
var ErrNotFound = errors.New("store: segment snapshot not found")

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("store: corrupt segment snapshot")

// Store is a bolt-backed key-value store for in-flight segment assembly
// state, opened once per receiver process.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSegments)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bolt database.
func (s *Store) Close() error { return s.db.Close() }

// SegmentState is the persisted snapshot of one in-flight segment's
// assembly buffer.
type SegmentState struct {
	ChunkCount uint32
	ChunkSize  uint32
	TotalLen   int
	Received   []bool
	Data       []byte
}

func segmentKey(sessionNonce [16]byte, segmentID uint64) []byte {
	k := make([]byte, 16+8)
	copy(k[0:16], sessionNonce[:])
	binary.BigEndian.PutUint64(k[16:24], segmentID)
	return k
}

// Save writes a segment's current assembly state, overwriting any prior
// snapshot for the same key.
func (s *Store) Save(sessionNonce [16]byte, segmentID uint64, st *SegmentState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSegments)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put(segmentKey(sessionNonce, segmentID), encodeSegmentState(st))
	})
}

// Load reads a segment's persisted assembly state, or ErrNotFound.
func (s *Store) Load(sessionNonce [16]byte, segmentID uint64) (*SegmentState, error) {
	var out *SegmentState
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSegments)
		if bk == nil {
			return nil
		}
		v := bk.Get(segmentKey(sessionNonce, segmentID))
		if v == nil {
			return nil
		}
		st, err := decodeSegmentState(v)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Delete removes a segment's persisted state once it has been delivered or
// abandoned.
func (s *Store) Delete(sessionNonce [16]byte, segmentID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSegments)
		if bk == nil {
			return nil
		}
		return bk.Delete(segmentKey(sessionNonce, segmentID))
	})
}

// DeleteSession removes every segment persisted under one session nonce,
// normally called once a session terminates cleanly.
func (s *Store) DeleteSession(sessionNonce [16]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSegments)
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		prefix := sessionNonce[:]
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
