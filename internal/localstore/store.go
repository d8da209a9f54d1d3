// Package localstore is the client's local persistent key-value store.
//
// It holds the guest record and the session-presence signal read by the edge
// router. Everything lives in one bbolt bucket; bbolt's file lock keeps a
// second process out while the store is open.
package localstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLocal       = []byte("local")
	keyGuestRecord    = []byte("guest_record")
	keySessionPresent = []byte("session_present")
)

// GuestRecord identifies a throwaway guest. It is never synchronized remotely.
type GuestRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps an open bbolt database
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the store at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocal)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the file lock
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadGuest returns the stored guest record, or nil when none exists.
// A malformed record is treated as absent.
func (s *Store) LoadGuest() (*GuestRecord, error) {
	var rec *GuestRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLocal).Get(keyGuestRecord)
		if len(v) == 0 {
			return nil
		}
		var r GuestRecord
		if err := json.Unmarshal(v, &r); err != nil || r.ID == "" {
			s.logger.Warn("ignoring malformed guest record", "error", err)
			return nil
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read guest record: %w", err)
	}
	return rec, nil
}

// SaveGuest writes rec under the guest key
func (s *Store) SaveGuest(rec GuestRecord) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal guest record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(keyGuestRecord, enc)
	})
	if err != nil {
		return fmt.Errorf("failed to save guest record: %w", err)
	}
	return nil
}

// DeleteGuest removes the guest record. Deleting an absent record is not an error.
func (s *Store) DeleteGuest() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Delete(keyGuestRecord)
	})
	if err != nil {
		return fmt.Errorf("failed to delete guest record: %w", err)
	}
	return nil
}

// SetSessionPresent records whether a remote session exists
func (s *Store) SetSessionPresent(present bool) error {
	v := []byte("0")
	if present {
		v = []byte("1")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(keySessionPresent, v)
	})
	if err != nil {
		return fmt.Errorf("failed to record session presence: %w", err)
	}
	return nil
}

// SessionPresent reads the presence signal; false when never written
func (s *Store) SessionPresent() (bool, error) {
	var present bool
	err := s.db.View(func(tx *bolt.Tx) error {
		present = string(tx.Bucket(bucketLocal).Get(keySessionPresent)) == "1"
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read session presence: %w", err)
	}
	return present, nil
}
