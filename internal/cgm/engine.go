package cgm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/alerts"
	"github.com/sugarmesh/glucolink/internal/gateway"
	"github.com/sugarmesh/glucolink/internal/metrics"
	"github.com/sugarmesh/glucolink/internal/session"
	"github.com/sugarmesh/glucolink/internal/status"
	"github.com/sugarmesh/glucolink/internal/storage"
)

var (
	// ErrNoSession means the supplied session id is unknown.
	ErrNoSession = errors.New("cgm: unknown session")

	// ErrConnectTimeout means the overall connect sequence exceeded its
	// bounded window. Distinct from a plain vendor timeout.
	ErrConnectTimeout = errors.New("cgm: connect timed out")

	// ErrConnectInProgress means a connect attempt is already running.
	ErrConnectInProgress = errors.New("cgm: connect already in progress")
)

// Reader fetches the latest vendor reading for a session.
type Reader interface {
	ReadLatest(ctx context.Context, record *storage.SessionRecord) (gateway.Reading, error)
}

// VendorClient is the full vendor gateway surface the engine drives.
type VendorClient interface {
	Reader
	Login(ctx context.Context, email, password string) (*gateway.LoginResult, error)
	Logout(ctx context.Context, record *storage.SessionRecord) error
	BaseURL() string
}

// VendorFactory builds a vendor client for a region.
type VendorFactory func(region string) (VendorClient, error)

const defaultRecentCacheSize = 64

// Config holds engine settings.
type Config struct {
	Interval          time.Duration
	ConnectTimeout    time.Duration
	SimulatedFallback bool
	Region            string
	ProfileID         string
	ClientVersion     string
	Retention         time.Duration // 0 disables the retention sweeper
	CleanupInterval   time.Duration
	RecentCacheSize   int
}

// Engine runs the sync pipeline: it drives the vendor gateway with the
// current session, merges readings into the glucose log and advances the
// connection status machine.
type Engine struct {
	cfg       Config
	factory   VendorFactory
	sim       Reader
	sessions  *session.Manager
	current   *session.Current
	entries   storage.EntryStore
	status    *status.Machine
	evaluator *alerts.Evaluator
	recent    *lru.Cache[string, struct{}]
	logger    zerolog.Logger
	now       func() time.Time

	vendorMu sync.RWMutex
	vendor   VendorClient

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the sync engine. evaluator may be nil to disable alerting.
func New(cfg Config, factory VendorFactory, sessions *session.Manager, entries storage.EntryStore, machine *status.Machine, evaluator *alerts.Evaluator, logger zerolog.Logger) (*Engine, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 75 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.RecentCacheSize == 0 {
		cfg.RecentCacheSize = defaultRecentCacheSize
	}

	recent, err := lru.New[string, struct{}](cfg.RecentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create recent cache: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		factory:   factory,
		sim:       gateway.NewSimulatedReader(),
		sessions:  sessions,
		current:   &session.Current{},
		entries:   entries,
		status:    machine,
		evaluator: evaluator,
		recent:    recent,
		logger:    logger.With().Str("component", "sync").Logger(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the polling loop and, when retention is configured, the
// cleanup sweeper. The loop stays armed regardless of connection status so
// reconnects resume polling without a restart.
func (e *Engine) Start() {
	go e.run()
	if e.cfg.Retention > 0 {
		go e.sweep()
	}
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("Sync loop started")
}

// Stop halts the polling loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Resume picks up a restored session after a process restart. The status
// machine enters connecting; the first successful tick promotes it.
func (e *Engine) Resume(ctx context.Context) {
	record, ok := e.sessions.ForProfile(e.cfg.ProfileID)
	if !ok {
		return
	}

	vendor, err := e.factory(record.Region)
	if err != nil {
		e.logger.Error().Err(err).Str("region", record.Region).Msg("Cannot rebuild vendor client for restored session")
		e.sessions.Invalidate(ctx, record.ID)
		return
	}

	e.setVendor(vendor)
	e.current.Set(record.ID)
	e.status.BeginConnect()
	e.logger.Info().Str("session_id", record.ID).Msg("Resuming restored session")
}

// Connect runs the explicit connect sequence: login plus first sync, bounded
// by the connect timeout. Returns the new session id and whether the engine
// fell back to simulated mode.
func (e *Engine) Connect(ctx context.Context, email, password, region, profileID string) (string, bool, error) {
	if region == "" {
		region = e.cfg.Region
	}
	if profileID == "" {
		profileID = e.cfg.ProfileID
	}

	// A new session implicitly invalidates any prior one for the profile.
	if id := e.current.Get(); id != "" {
		e.Disconnect(ctx, id)
	}

	if !e.status.BeginConnect() {
		return "", false, ErrConnectInProgress
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	vendor, err := e.factory(region)
	if err != nil {
		return e.connectFailed(ctx, profileID, err)
	}

	result, err := vendor.Login(connectCtx, email, password)
	if err != nil {
		if connectCtx.Err() == context.DeadlineExceeded {
			err = ErrConnectTimeout
		}
		return e.connectFailed(ctx, profileID, err)
	}

	id := e.sessions.Create(ctx, storage.SessionRecord{
		ProfileID:     profileID,
		VendorToken:   result.Token,
		AccountHash:   result.AccountHash,
		Region:        region,
		ClientVersion: e.cfg.ClientVersion,
		BaseURL:       vendor.BaseURL(),
	})
	e.setVendor(vendor)
	e.current.Set(id)

	record, _ := e.sessions.Lookup(id)
	if err := e.syncOnce(connectCtx, record, vendor); err != nil {
		e.sessions.Invalidate(ctx, id)
		e.current.Clear(id)
		if connectCtx.Err() == context.DeadlineExceeded {
			err = ErrConnectTimeout
		}
		return e.connectFailed(ctx, profileID, err)
	}

	e.status.ConnectSucceeded(false)
	metrics.ConnectTotal.WithLabelValues("ok").Inc()
	return id, false, nil
}

// connectFailed resolves a failed connect attempt: either flip to error, or,
// for timeout-shaped failures under the fallback policy, enter simulated
// mode so the UI stays usable while the vendor is unreachable.
func (e *Engine) connectFailed(ctx context.Context, profileID string, err error) (string, bool, error) {
	timeoutLike := errors.Is(err, gateway.ErrTimeout) || errors.Is(err, ErrConnectTimeout)

	if timeoutLike && e.cfg.SimulatedFallback {
		id := e.sessions.Create(ctx, storage.SessionRecord{
			ProfileID:     profileID,
			Region:        "simulated",
			ClientVersion: e.cfg.ClientVersion,
		})
		e.current.Set(id)
		e.status.ConnectSucceeded(true)
		metrics.ConnectTotal.WithLabelValues("simulated").Inc()
		e.logger.Warn().Err(err).Msg("Vendor unreachable, falling back to simulated mode")
		return id, true, nil
	}

	e.status.ConnectFailed()
	metrics.ConnectTotal.WithLabelValues("error").Inc()
	return "", false, err
}

// Disconnect tears down a session: best-effort vendor logout, session
// removal, status reset. Idempotent.
func (e *Engine) Disconnect(ctx context.Context, id string) {
	record, ok := e.sessions.Lookup(id)
	if ok && record.VendorToken != "" {
		if vendor := e.vendorClient(); vendor != nil {
			if err := vendor.Logout(ctx, record); err != nil {
				e.logger.Warn().Err(err).Str("session_id", id).Msg("Vendor logout failed")
			}
		}
	}

	e.sessions.Invalidate(ctx, id)
	e.current.Clear(id)
	e.status.Disconnect()
}

// Read serves an on-demand read for a session, merging the result through
// the same path as the background loop. Session expiry tears the session
// down before propagating.
func (e *Engine) Read(ctx context.Context, id string) (gateway.Reading, error) {
	record, ok := e.sessions.Lookup(id)
	if !ok {
		return gateway.Reading{}, ErrNoSession
	}

	reading, err := e.readerFor(record).ReadLatest(ctx, record)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionExpired) {
			e.teardownExpired(ctx, id)
		}
		return gateway.Reading{}, err
	}

	if merged, err := e.merge(ctx, record.ProfileID, reading); err != nil {
		e.logger.Error().Err(err).Msg("Failed to merge on-demand reading")
	} else if merged {
		e.afterMerge(ctx, reading)
	}
	return reading, nil
}

// Status returns the current connection status snapshot.
func (e *Engine) Status() status.Snapshot {
	return e.status.Snapshot()
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			// Ticks may overlap under vendor latency near the cadence.
			// That is accepted: the duplicate-timestamp probe makes
			// redundant appends no-ops.
			go e.tick(context.Background())
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	// Always re-read the live cell; never act on a captured session id.
	id := e.current.Get()
	if id == "" {
		return
	}

	record, ok := e.sessions.Lookup(id)
	if !ok {
		e.current.Clear(id)
		return
	}

	err := e.syncOnce(ctx, record, e.readerFor(record))
	switch {
	case err == nil:
		metrics.SyncTicksTotal.WithLabelValues("ok").Inc()
		if e.status.State() == status.Connecting {
			// Restored session proven live.
			e.status.ConnectSucceeded(record.VendorToken == "")
		}
	case errors.Is(err, gateway.ErrSessionExpired):
		metrics.SyncTicksTotal.WithLabelValues("expired").Inc()
		e.logger.Warn().Str("session_id", id).Msg("Session expired mid-sync, disconnecting")
		e.teardownExpired(ctx, id)
	default:
		// Background polling degrades silently; only explicit connects
		// surface errors.
		metrics.SyncTicksTotal.WithLabelValues("error").Inc()
		e.logger.Debug().Err(err).Msg("Sync tick abandoned")
	}
}

func (e *Engine) syncOnce(ctx context.Context, record *storage.SessionRecord, reader Reader) error {
	reading, err := reader.ReadLatest(ctx, record)
	if err != nil {
		return err
	}

	merged, err := e.merge(ctx, record.ProfileID, reading)
	if err != nil {
		return err
	}
	if merged {
		e.afterMerge(ctx, reading)
	}
	return nil
}

// merge appends a reading into the log unless an entry already exists at
// the same (profile, timestamp). The lru cache short-circuits the storage
// probe for recently seen timestamps; it is an optimization, not the
// correctness gate.
func (e *Engine) merge(ctx context.Context, profileID string, reading gateway.Reading) (bool, error) {
	if reading.Empty() {
		return false, nil
	}

	key := profileID + "/" + reading.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.recent.Contains(key) {
		metrics.ReadingsDuplicate.Inc()
		return false, nil
	}

	exists, err := e.entries.ExistsAt(ctx, profileID, reading.Timestamp)
	if err != nil {
		return false, err
	}
	if exists {
		e.recent.Add(key, struct{}{})
		metrics.ReadingsDuplicate.Inc()
		return false, nil
	}

	entry := storage.LogEntry{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		Kind:       storage.EntryKindCGM,
		Value:      reading.Value,
		TrendArrow: reading.TrendArrow,
		Timestamp:  reading.Timestamp.UTC(),
	}
	if err := e.entries.Append(ctx, entry); err != nil {
		return false, err
	}

	e.recent.Add(key, struct{}{})
	metrics.ReadingsMerged.Inc()
	metrics.LastReadingValue.Set(reading.Value)
	return true, nil
}

func (e *Engine) afterMerge(ctx context.Context, reading gateway.Reading) {
	e.status.MarkSynced(e.now().UTC(), reading.Sensor)
	if reading.Sensor != nil {
		metrics.SensorDaysLeft.Set(float64(reading.Sensor.DaysLeft))
	}
	if e.evaluator != nil {
		e.evaluator.Evaluate(ctx, reading.Value, reading.Timestamp)
	}
}

func (e *Engine) teardownExpired(ctx context.Context, id string) {
	e.sessions.Invalidate(ctx, id)
	e.current.Clear(id)
	e.status.Disconnect()
}

// readerFor picks the reading source: simulated sessions carry no vendor
// token and read synthetic data.
func (e *Engine) readerFor(record *storage.SessionRecord) Reader {
	if record.VendorToken == "" {
		return e.sim
	}
	if vendor := e.vendorClient(); vendor != nil {
		return vendor
	}
	return e.sim
}

func (e *Engine) setVendor(vendor VendorClient) {
	e.vendorMu.Lock()
	e.vendor = vendor
	e.vendorMu.Unlock()
}

func (e *Engine) vendorClient() VendorClient {
	e.vendorMu.RLock()
	defer e.vendorMu.RUnlock()
	return e.vendor
}

func (e *Engine) sweep() {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepOnce(context.Background())
		}
	}
}

// sweepOnce trims aged entries for every profile that holds any, not just
// the configured default: connects may name other profiles.
func (e *Engine) sweepOnce(ctx context.Context) {
	cutoff := e.now().UTC().Add(-e.cfg.Retention)

	profiles, err := e.entries.Profiles(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Retention sweep failed to list profiles")
		return
	}

	for _, profileID := range profiles {
		deleted, err := e.entries.DeleteBefore(ctx, profileID, cutoff)
		if err != nil {
			e.logger.Error().Err(err).Str("profile_id", profileID).Msg("Retention sweep failed")
			continue
		}
		if deleted > 0 {
			e.logger.Info().
				Int("deleted", deleted).
				Str("profile_id", profileID).
				Time("cutoff", cutoff).
				Msg("Retention sweep complete")
		}
	}
}
