package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Entries() EntryStore
}

// SessionStore persists the vendor session table. The in-memory session
// manager is the source of truth for the process lifetime; this store only
// serves restart recovery, so callers treat write failures as non-fatal.
type SessionStore interface {
	Put(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]SessionRecord, error)
}

// EntryStore manages the glucose log. Entries for a profile are identified
// by (profile, timestamp); Append is an upsert on that pair, so re-observing
// an unchanged vendor reading never grows the log. List returns entries
// sorted by timestamp, newest first. Profiles returns every profile id that
// currently holds entries.
type EntryStore interface {
	Append(ctx context.Context, entry LogEntry) error
	ExistsAt(ctx context.Context, profileID string, ts time.Time) (bool, error)
	List(ctx context.Context, profileID string, limit int) ([]LogEntry, error)
	Profiles(ctx context.Context) ([]string, error)
	DeleteBefore(ctx context.Context, profileID string, cutoff time.Time) (int, error)
}
