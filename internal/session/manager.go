package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/storage"
)

// Manager owns the session table. The in-memory map is the source of truth
// for the process lifetime; the durable copy only serves restart recovery,
// so persistence failures are logged and swallowed.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*storage.SessionRecord
	byProfile map[string]string // profileID -> sessionID
	store     storage.SessionStore
	logger    zerolog.Logger
}

// NewManager creates a session manager backed by the given store.
func NewManager(store storage.SessionStore, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*storage.SessionRecord),
		byProfile: make(map[string]string),
		store:     store,
		logger:    logger.With().Str("component", "session-manager").Logger(),
	}
}

// Restore loads the persisted session table. Called once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		record := records[i]
		m.sessions[record.ID] = &record
		m.byProfile[record.ProfileID] = record.ID
	}

	if len(records) > 0 {
		m.logger.Info().Int("count", len(records)).Msg("Restored persisted sessions")
	}
	return nil
}

// Create registers a new session and returns its fresh unguessable id. At
// most one session exists per profile: a prior session for the same profile
// is removed first.
func (m *Manager) Create(ctx context.Context, record storage.SessionRecord) string {
	record.ID = uuid.NewString()
	record.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	if priorID, ok := m.byProfile[record.ProfileID]; ok {
		delete(m.sessions, priorID)
		m.deleteDurable(ctx, priorID)
	}
	m.sessions[record.ID] = &record
	m.byProfile[record.ProfileID] = record.ID
	m.mu.Unlock()

	if err := m.store.Put(ctx, record); err != nil {
		m.logger.Error().Err(err).Str("session_id", record.ID).Msg("Failed to persist session")
	}

	m.logger.Info().
		Str("session_id", record.ID).
		Str("profile_id", record.ProfileID).
		Str("region", record.Region).
		Msg("Session created")
	return record.ID
}

// ForProfile returns the active session for a profile, if any.
func (m *Manager) ForProfile(profileID string) (*storage.SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byProfile[profileID]
	if !ok {
		return nil, false
	}
	record, ok := m.sessions[id]
	return record, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Lookup returns the session record for an id.
func (m *Manager) Lookup(id string) (*storage.SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.sessions[id]
	return record, ok
}

// Invalidate removes a session. Idempotent: unknown ids are a no-op.
func (m *Manager) Invalidate(ctx context.Context, id string) {
	m.mu.Lock()
	record, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.byProfile[record.ProfileID] == id {
			delete(m.byProfile, record.ProfileID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.deleteDurable(ctx, id)
	m.logger.Info().Str("session_id", id).Msg("Session invalidated")
}

func (m *Manager) deleteDurable(ctx context.Context, id string) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to remove persisted session")
	}
}
