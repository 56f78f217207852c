package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sugarmesh/glucolink/internal/storage"
	"go.etcd.io/bbolt"
)

type entryStore struct {
	db *bbolt.DB
}

// entryKey encodes a timestamp so that lexical bucket order is chronological.
func entryKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", ts.UTC().UnixNano()))
}

func (s *entryStore) Append(ctx context.Context, entry storage.LogEntry) error {
	data, err := marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketEntries))
		if root == nil {
			return fmt.Errorf("entries bucket missing")
		}
		b, err := root.CreateBucketIfNotExists([]byte(entry.ProfileID))
		if err != nil {
			return fmt.Errorf("create profile bucket: %w", err)
		}
		return b.Put(entryKey(entry.Timestamp), data)
	})
}

func (s *entryStore) ExistsAt(ctx context.Context, profileID string, ts time.Time) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketEntries))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(profileID))
		if b == nil {
			return nil
		}
		exists = b.Get(entryKey(ts)) != nil
		return nil
	})
	return exists, err
}

func (s *entryStore) List(ctx context.Context, profileID string, limit int) ([]storage.LogEntry, error) {
	entries := make([]storage.LogEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketEntries))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(profileID))
		if b == nil {
			return nil
		}
		// Reverse cursor walk yields newest first.
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			var entry storage.LogEntry
			if err := unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (s *entryStore) Profiles(ctx context.Context) ([]string, error) {
	profiles := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketEntries))
		if root == nil {
			return nil
		}
		// Sub-buckets carry a nil value in the parent cursor.
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				profiles = append(profiles, string(k))
			}
			return nil
		})
	})
	return profiles, err
}

func (s *entryStore) DeleteBefore(ctx context.Context, profileID string, cutoff time.Time) (int, error) {
	deleted := 0
	cutoffKey := entryKey(cutoff)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		root := tx.Bucket([]byte(bucketEntries))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(profileID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoffKey) < 0; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
