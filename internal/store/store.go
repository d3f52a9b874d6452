package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCounters = []byte("counters")
	bucketLocks    = []byte("locks")
)

// KV is the coordination surface consumed by the rate limiter and the lock
// manager. Both degrade to fail-open defaults when these calls error, so the
// interface exists mainly to let tests inject a failing backend.
type KV interface {
	GetCounter(key string) (int64, error)
	IncrCounter(key string, ttl time.Duration) error
	GetTime(key string) (time.Time, bool, error)
	SetTime(key string, at time.Time, ttl time.Duration) error
	SetNX(key, token string, ttl time.Duration) (bool, error)
	DeleteIfToken(key, token string) error
}

// Store is the shared coordination store backed by a single BoltDB file.
// Campaign and session documents live in buckets managed by their own
// packages through DB(); Store itself owns the counter and lock buckets.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCounters, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying database so document stores can manage their own
// buckets in the same file.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// counterRecord is the stored form of a rolling counter. Expiry is enforced
// on read; records are never explicitly deleted.
type counterRecord struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// timeRecord is the stored form of a timestamp value (last-send markers).
type timeRecord struct {
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockRecord is the stored form of a mutual-exclusion key.
type lockRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetCounter returns the current value of a rolling counter. An expired or
// missing record reads as zero.
func (s *Store) GetCounter(key string) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCounters).Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec counterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil // treat corrupt records as absent
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil
		}
		count = rec.Count
		return nil
	})
	return count, err
}

// IncrCounter increments a rolling counter. The TTL is set when the counter
// is created (or found expired) and left untouched on subsequent increments,
// so the window boundary is fixed by the first send in the window.
func (s *Store) IncrCounter(key string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		now := time.Now()

		rec := counterRecord{ExpiresAt: now.Add(ttl)}
		if data := bucket.Get([]byte(key)); data != nil {
			var existing counterRecord
			if err := json.Unmarshal(data, &existing); err == nil && now.Before(existing.ExpiresAt) {
				rec = existing
			}
		}
		rec.Count++

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal counter: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
}

// GetTime returns a stored timestamp. The second return is false when the
// record is missing or expired.
func (s *Store) GetTime(key string) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCounters).Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec timeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil
		}
		at = rec.At
		ok = true
		return nil
	})
	return at, ok, err
}

// SetTime stores a timestamp with a TTL.
func (s *Store) SetTime(key string, at time.Time, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := timeRecord{At: at, ExpiresAt: time.Now().Add(ttl)}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal timestamp: %w", err)
		}
		return tx.Bucket(bucketCounters).Put([]byte(key), data)
	})
}

// SetNX performs an atomic set-if-absent with expiry on a lock key. An
// expired existing record counts as absent. Returns false when the key is
// already held.
func (s *Store) SetNX(key, token string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		now := time.Now()

		if data := bucket.Get([]byte(key)); data != nil {
			var existing lockRecord
			if err := json.Unmarshal(data, &existing); err == nil && now.Before(existing.ExpiresAt) {
				return nil // held
			}
		}

		rec := lockRecord{Token: token, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal lock: %w", err)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// DeleteIfToken releases a lock key early, but only for the holder that
// acquired it. A mismatched or missing token is a no-op, not an error.
func (s *Store) DeleteIfToken(key, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec lockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return bucket.Delete([]byte(key))
		}
		if rec.Token != token {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}
