package session

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// Storage persists session documents in their own bucket of the shared
// coordination store.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the sessions bucket if needed.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Put persists a session document, bumping UpdatedAt.
func (s *Storage) Put(sess *Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sess.UpdatedAt = time.Now()
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

// Get retrieves a session by ID. Returns nil, nil when not found.
func (s *Storage) Get(id string) (*Session, error) {
	var sess *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return nil
		}
		var doc Session
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal session %s: %w", id, err)
		}
		sess = &doc
		return nil
	})
	return sess, err
}

// List returns every session document.
func (s *Storage) List() ([]*Session, error) {
	var out []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var doc Session
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil // skip corrupt documents
			}
			out = append(out, &doc)
			return nil
		})
	})
	return out, err
}

// Delete removes a session document.
func (s *Storage) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}
