package cgm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/gateway"
	"github.com/sugarmesh/glucolink/internal/session"
	"github.com/sugarmesh/glucolink/internal/status"
	"github.com/sugarmesh/glucolink/internal/storage"
)

type memSessions struct {
	mu   sync.Mutex
	data map[string]storage.SessionRecord
}

func newMemSessions() *memSessions {
	return &memSessions{data: make(map[string]storage.SessionRecord)}
}

func (s *memSessions) Put(ctx context.Context, record storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[record.ID] = record
	return nil
}

func (s *memSessions) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &record, nil
}

func (s *memSessions) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *memSessions) List(ctx context.Context) ([]storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]storage.SessionRecord, 0, len(s.data))
	for _, record := range s.data {
		records = append(records, record)
	}
	return records, nil
}

type memEntries struct {
	mu      sync.Mutex
	entries []storage.LogEntry
	failure error
}

func newMemEntries() *memEntries {
	return &memEntries{}
}

func (s *memEntries) Append(ctx context.Context, entry storage.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	for i, existing := range s.entries {
		if existing.ProfileID == entry.ProfileID && existing.Timestamp.Equal(entry.Timestamp) {
			s.entries[i] = entry
			return nil
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memEntries) ExistsAt(ctx context.Context, profileID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ProfileID == profileID && entry.Timestamp.Equal(at) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memEntries) List(ctx context.Context, profileID string, limit int) ([]storage.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.LogEntry
	for _, entry := range s.entries {
		if entry.ProfileID == profileID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memEntries) Profiles(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var profiles []string
	for _, entry := range s.entries {
		if !seen[entry.ProfileID] {
			seen[entry.ProfileID] = true
			profiles = append(profiles, entry.ProfileID)
		}
	}
	return profiles, nil
}

func (s *memEntries) DeleteBefore(ctx context.Context, profileID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []storage.LogEntry
	deleted := 0
	for _, entry := range s.entries {
		if entry.ProfileID == profileID && entry.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.entries = kept
	return deleted, nil
}

func (s *memEntries) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fakeVendor scripts the vendor gateway for engine tests.
type fakeVendor struct {
	mu         sync.Mutex
	loginErr   error
	loginDelay time.Duration
	readErr    error
	reading    gateway.Reading
	logoutIDs  []string
	reads      int
}

func (f *fakeVendor) Login(ctx context.Context, email, password string) (*gateway.LoginResult, error) {
	f.mu.Lock()
	err := f.loginErr
	delay := f.loginDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &gateway.LoginResult{Token: "tok-1", AccountHash: "hash-1"}, nil
}

func (f *fakeVendor) ReadLatest(ctx context.Context, record *storage.SessionRecord) (gateway.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return gateway.Reading{}, f.readErr
	}
	return f.reading, nil
}

func (f *fakeVendor) Logout(ctx context.Context, record *storage.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutIDs = append(f.logoutIDs, record.ID)
	return nil
}

func (f *fakeVendor) BaseURL() string { return "https://vendor.test" }

func (f *fakeVendor) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeVendor) setReading(r gateway.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading = r
}

func newTestEngine(t *testing.T, cfg Config, vendor *fakeVendor) (*Engine, *memEntries, *session.Manager) {
	t.Helper()

	if cfg.Region == "" {
		cfg.Region = "EU"
	}
	if cfg.ProfileID == "" {
		cfg.ProfileID = "default"
	}

	logger := zerolog.Nop()
	sessions := session.NewManager(newMemSessions(), logger)
	entries := newMemEntries()
	machine := status.NewMachine(logger)

	factory := func(region string) (VendorClient, error) {
		return vendor, nil
	}

	engine, err := New(cfg, factory, sessions, entries, machine, nil, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, entries, sessions
}

func sampleReading(at time.Time) gateway.Reading {
	return gateway.Reading{
		Value:      132,
		Timestamp:  at,
		TrendArrow: 3,
		Sensor: &gateway.SensorInfo{
			Serial:   "SN-1",
			DaysLeft: 9,
			State:    gateway.SensorActive,
		},
	}
}

func TestConnectMergesFirstReading(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, entries, _ := newTestEngine(t, Config{}, vendor)

	id, simulated, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if simulated {
		t.Fatal("expected live session, got simulated")
	}
	if id == "" {
		t.Fatal("expected a session id")
	}

	snapshot := engine.Status()
	if snapshot.State != status.Connected {
		t.Fatalf("expected connected state, got %s", snapshot.State)
	}
	if snapshot.LastSync == nil {
		t.Fatal("expected lastSync to be set after first merge")
	}
	if snapshot.Sensor == nil || snapshot.Sensor.DaysLeft != 9 {
		t.Fatalf("expected sensor snapshot with 9 days left, got %+v", snapshot.Sensor)
	}
	if entries.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", entries.count())
	}
}

func TestConnectAuthFailure(t *testing.T) {
	vendor := &fakeVendor{loginErr: gateway.ErrAuth}
	engine, entries, _ := newTestEngine(t, Config{}, vendor)

	_, _, err := engine.Connect(context.Background(), "user@example.com", "wrong", "", "")
	if !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if engine.Status().State != status.Error {
		t.Fatalf("expected error state, got %s", engine.Status().State)
	}
	if entries.count() != 0 {
		t.Fatal("failed connect must not persist entries")
	}
}

func TestConnectSimulatedFallback(t *testing.T) {
	vendor := &fakeVendor{loginErr: gateway.ErrTimeout}
	engine, entries, _ := newTestEngine(t, Config{SimulatedFallback: true}, vendor)

	id, simulated, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("expected simulated fallback, got error: %v", err)
	}
	if !simulated {
		t.Fatal("expected simulated session")
	}

	snapshot := engine.Status()
	if snapshot.State != status.Connected || !snapshot.Simulated {
		t.Fatalf("expected simulated connected state, got %+v", snapshot)
	}

	// Simulated sessions read synthetic data on demand.
	reading, err := engine.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("simulated read failed: %v", err)
	}
	if reading.Empty() {
		t.Fatal("simulated reading must not be empty")
	}
	if entries.count() != 1 {
		t.Fatalf("expected simulated reading merged, got %d entries", entries.count())
	}
}

func TestConnectTimeoutWithoutFallback(t *testing.T) {
	vendor := &fakeVendor{loginErr: gateway.ErrTimeout}
	engine, _, _ := newTestEngine(t, Config{SimulatedFallback: false}, vendor)

	_, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if engine.Status().State != status.Error {
		t.Fatalf("expected error state, got %s", engine.Status().State)
	}
}

func TestConnectDeadlineMapsToConnectTimeout(t *testing.T) {
	vendor := &fakeVendor{loginDelay: time.Second}
	engine, _, _ := newTestEngine(t, Config{ConnectTimeout: 20 * time.Millisecond}, vendor)

	_, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
	if engine.Status().State != status.Error {
		t.Fatalf("expected error state, got %s", engine.Status().State)
	}
}

func TestConnectDeadlineTriggersSimulatedFallback(t *testing.T) {
	vendor := &fakeVendor{loginDelay: time.Second}
	engine, _, _ := newTestEngine(t, Config{
		ConnectTimeout:    20 * time.Millisecond,
		SimulatedFallback: true,
	}, vendor)

	_, simulated, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("expected simulated fallback, got error: %v", err)
	}
	if !simulated {
		t.Fatal("expected simulated session")
	}
	if snapshot := engine.Status(); snapshot.State != status.Connected || !snapshot.Simulated {
		t.Fatalf("expected simulated connected state, got %+v", snapshot)
	}
}

func TestDuplicateReadingIsDroppedOnce(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Minute)
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(at))
	engine, entries, _ := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Same timestamp twice more: only the original entry survives.
	for i := 0; i < 2; i++ {
		if _, err := engine.Read(context.Background(), id); err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
	}
	if entries.count() != 1 {
		t.Fatalf("expected dedup to keep 1 entry, got %d", entries.count())
	}

	// A new timestamp appends.
	vendor.setReading(sampleReading(at.Add(time.Minute)))
	if _, err := engine.Read(context.Background(), id); err != nil {
		t.Fatalf("read with fresh timestamp failed: %v", err)
	}
	if entries.count() != 2 {
		t.Fatalf("expected 2 entries after fresh reading, got %d", entries.count())
	}
}

func TestSessionExpiryTearsDown(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	vendor.setReadErr(gateway.ErrSessionExpired)
	if _, err := engine.Read(context.Background(), id); !errors.Is(err, gateway.ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}

	if _, ok := sessions.Lookup(id); ok {
		t.Fatal("expired session must be invalidated")
	}
	if engine.Status().State != status.Disconnected {
		t.Fatalf("expected disconnected after expiry, got %s", engine.Status().State)
	}

	// Further reads against the dead session fail fast.
	if _, err := engine.Read(context.Background(), id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestTickDegradesSilentlyOnUpstreamError(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	vendor.setReadErr(gateway.ErrUpstream)
	engine.tick(context.Background())

	// Session and status survive a transient upstream failure.
	if _, ok := sessions.Lookup(id); !ok {
		t.Fatal("session must survive a transient sync failure")
	}
	if engine.Status().State != status.Connected {
		t.Fatalf("expected connected after transient failure, got %s", engine.Status().State)
	}
}

func TestTickExpiredSessionDisconnects(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	vendor.setReadErr(gateway.ErrSessionExpired)
	engine.tick(context.Background())

	if _, ok := sessions.Lookup(id); ok {
		t.Fatal("expired session must be removed by the tick")
	}
	if engine.Status().State != status.Disconnected {
		t.Fatalf("expected disconnected, got %s", engine.Status().State)
	}
}

func TestTickWithoutSessionIsNoop(t *testing.T) {
	vendor := &fakeVendor{}
	engine, _, _ := newTestEngine(t, Config{}, vendor)

	engine.tick(context.Background())

	if vendor.reads != 0 {
		t.Fatalf("expected no vendor calls without a session, got %d", vendor.reads)
	}
	if engine.Status().State != status.Disconnected {
		t.Fatalf("expected disconnected, got %s", engine.Status().State)
	}
}

func TestDisconnectLogsOutAndResets(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	engine.Disconnect(context.Background(), id)

	if len(vendor.logoutIDs) != 1 || vendor.logoutIDs[0] != id {
		t.Fatalf("expected vendor logout for %s, got %v", id, vendor.logoutIDs)
	}
	if _, ok := sessions.Lookup(id); ok {
		t.Fatal("disconnected session must be removed")
	}

	snapshot := engine.Status()
	if snapshot.State != status.Disconnected || snapshot.LastSync != nil || snapshot.Sensor != nil {
		t.Fatalf("expected clean disconnected snapshot, got %+v", snapshot)
	}

	// Disconnecting again is a no-op.
	engine.Disconnect(context.Background(), id)
	if len(vendor.logoutIDs) != 1 {
		t.Fatal("second disconnect must not log out again")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{}, vendor)

	first, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("first connect failed: %v", err)
	}

	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute).Add(time.Minute)))
	second, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if first == second {
		t.Fatal("reconnect must mint a fresh session id")
	}
	if _, ok := sessions.Lookup(first); ok {
		t.Fatal("first session must be replaced")
	}
	if _, ok := sessions.Lookup(second); !ok {
		t.Fatal("second session must be live")
	}
}

func TestResumePromotesOnFirstTick(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, _, sessions := newTestEngine(t, Config{ProfileID: "default"}, vendor)

	sessions.Create(context.Background(), storage.SessionRecord{
		ProfileID:   "default",
		VendorToken: "tok-restored",
		Region:      "EU",
	})

	engine.Resume(context.Background())
	if engine.Status().State != status.Connecting {
		t.Fatalf("expected connecting after resume, got %s", engine.Status().State)
	}

	engine.tick(context.Background())
	if engine.Status().State != status.Connected {
		t.Fatalf("expected connected after first tick, got %s", engine.Status().State)
	}
}

func TestResumeWithoutStoredSession(t *testing.T) {
	vendor := &fakeVendor{}
	engine, _, _ := newTestEngine(t, Config{}, vendor)

	engine.Resume(context.Background())
	if engine.Status().State != status.Disconnected {
		t.Fatalf("expected disconnected, got %s", engine.Status().State)
	}
}

func TestEmptyReadingIsNotMerged(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, entries, _ := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	vendor.setReading(gateway.Reading{})
	if _, err := engine.Read(context.Background(), id); err != nil {
		t.Fatalf("empty read failed: %v", err)
	}
	if entries.count() != 1 {
		t.Fatalf("empty reading must not append, got %d entries", entries.count())
	}

	// lastSync must not advance for an empty reading.
	before := engine.Status().LastSync
	time.Sleep(5 * time.Millisecond)
	if _, err := engine.Read(context.Background(), id); err != nil {
		t.Fatalf("second empty read failed: %v", err)
	}
	after := engine.Status().LastSync
	if before == nil || after == nil || !after.Equal(*before) {
		t.Fatal("lastSync must only advance on merged readings")
	}
}

func TestRetentionSweepCoversEveryProfile(t *testing.T) {
	vendor := &fakeVendor{}
	engine, entries, _ := newTestEngine(t, Config{Retention: 24 * time.Hour}, vendor)

	now := time.Now().UTC()
	for _, profileID := range []string{"default", "other"} {
		for _, age := range []time.Duration{48 * time.Hour, time.Hour} {
			err := entries.Append(context.Background(), storage.LogEntry{
				ID:        profileID + age.String(),
				ProfileID: profileID,
				Kind:      storage.EntryKindCGM,
				Value:     100,
				Timestamp: now.Add(-age),
			})
			if err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}
	}

	engine.sweepOnce(context.Background())

	for _, profileID := range []string{"default", "other"} {
		kept, err := entries.List(context.Background(), profileID, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(kept) != 1 {
			t.Fatalf("profile %s: expected 1 entry after sweep, got %d", profileID, len(kept))
		}
		if kept[0].Timestamp.Before(now.Add(-24 * time.Hour)) {
			t.Fatalf("profile %s: aged entry survived the sweep", profileID)
		}
	}
}

func TestStorageFailureDoesNotKillSession(t *testing.T) {
	vendor := &fakeVendor{}
	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute)))
	engine, entries, sessions := newTestEngine(t, Config{}, vendor)

	id, _, err := engine.Connect(context.Background(), "user@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	entries.mu.Lock()
	entries.failure = errors.New("disk full")
	entries.mu.Unlock()

	vendor.setReading(sampleReading(time.Now().UTC().Truncate(time.Minute).Add(time.Minute)))
	engine.tick(context.Background())

	if _, ok := sessions.Lookup(id); !ok {
		t.Fatal("storage failure must not invalidate the session")
	}
	if engine.Status().State != status.Connected {
		t.Fatalf("expected connected after storage failure, got %s", engine.Status().State)
	}
}
