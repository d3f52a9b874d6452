package campaign

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCampaigns = []byte("campaigns")

// Storage persists campaign documents in their own bucket of the shared
// coordination store.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the campaigns bucket if needed.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCampaigns)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create campaigns bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Put persists a campaign document, bumping UpdatedAt.
func (s *Storage) Put(c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c.UpdatedAt = time.Now()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
	})
}

// Get retrieves a campaign by ID. Returns nil, nil when not found.
func (s *Storage) Get(id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		var doc Campaign
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
		}
		c = &doc
		return nil
	})
	return c, err
}

// List returns every campaign document.
func (s *Storage) List() ([]*Campaign, error) {
	return s.scan(func(*Campaign) bool { return true })
}

// ListByStatus returns campaigns currently in the given status.
func (s *Storage) ListByStatus(status Status) ([]*Campaign, error) {
	return s.scan(func(c *Campaign) bool { return c.Status == status })
}

func (s *Storage) scan(keep func(*Campaign) bool) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var doc Campaign
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil // skip corrupt documents
			}
			if keep(&doc) {
				out = append(out, &doc)
			}
			return nil
		})
	})
	return out, err
}

// Delete removes a campaign document.
func (s *Storage) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).Delete([]byte(id))
	})
}
