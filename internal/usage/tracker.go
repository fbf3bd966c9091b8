package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/metrics"
	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/timekey"
)

const (
	// DefaultInactivityThreshold is the gap between activity signals after
	// which a session is considered to have ended at its last activity
	DefaultInactivityThreshold = 15 * time.Second

	// DefaultActivityFlushInterval is how stale the last flush may be before
	// an activity signal triggers a background flush
	DefaultActivityFlushInterval = 30 * time.Second

	// DefaultFlushInterval is the periodic flush tick
	DefaultFlushInterval = time.Minute

	// DefaultSweepInterval is the periodic inactivity sweep tick
	DefaultSweepInterval = time.Minute

	// DefaultCleanupInterval is the periodic retention cleanup tick
	DefaultCleanupInterval = 24 * time.Hour

	// DefaultRetentionDays is how many days of records are kept
	DefaultRetentionDays = 90
)

// Config holds tracker configuration
type Config struct {
	InactivityThreshold   time.Duration
	ActivityFlushInterval time.Duration
	FlushInterval         time.Duration
	SweepInterval         time.Duration
	CleanupInterval       time.Duration
	RetentionDays         int
}

// Tracker is the session state machine. It attributes active time to one
// domain at a time and buffers it until flushed to the store.
//
// Every handler holds mu for its whole duration, storage calls included, so
// handlers never interleave.
type Tracker struct {
	store     Store
	pruner    Pruner
	tabs      TabResolver
	scheduler Scheduler
	clock     quartz.Clock
	config    Config
	logger    zerolog.Logger

	state   SessionState
	cancels []func()
	mu      sync.Mutex
}

// NewTracker creates a new session tracker
func NewTracker(store Store, pruner Pruner, tabs TabResolver, scheduler Scheduler, clock quartz.Clock, config Config, logger zerolog.Logger) *Tracker {
	if config.InactivityThreshold == 0 {
		config.InactivityThreshold = DefaultInactivityThreshold
	}
	if config.ActivityFlushInterval == 0 {
		config.ActivityFlushInterval = DefaultActivityFlushInterval
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Tracker{
		store:     store,
		pruner:    pruner,
		tabs:      tabs,
		scheduler: scheduler,
		clock:     clock,
		config:    config,
		logger:    logger.With().Str("component", "usage-tracker").Logger(),
		state:     SessionState{Pending: make(map[string]int64)},
	}
}

// Start registers the periodic flush, sweep and cleanup ticks. A cleanup
// also runs once right away.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancels = append(t.cancels,
		t.scheduler.Every(t.config.FlushInterval, func() { t.OnFlushTick(ctx) }),
		t.scheduler.Every(t.config.SweepInterval, func() { t.OnInactivitySweepTick(ctx) }),
		t.scheduler.Every(t.config.CleanupInterval, func() { t.OnCleanupTick(ctx) }),
		t.scheduler.After(0, func() { t.OnCleanupTick(ctx) }),
	)

	t.logger.Info().
		Dur("inactivity_threshold", t.config.InactivityThreshold).
		Dur("flush_interval", t.config.FlushInterval).
		Dur("sweep_interval", t.config.SweepInterval).
		Int("retention_days", t.config.RetentionDays).
		Msg("Usage tracker started")
}

// Stop cancels the periodic ticks and flushes whatever is in flight. The
// session keeps its state; only its accounted time is persisted.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cancel := range t.cancels {
		cancel()
	}
	t.cancels = nil

	err := t.flushLocked(ctx)
	t.logger.Info().Err(err).Msg("Usage tracker stopped")
	return err
}

// RecordActivity handles an activity signal from tabID showing domain.
//
// A signal from a tab other than the tracked one is honored only if the tab
// is confirmed active; otherwise the caller gets a status read and nothing
// changes.
func (t *Tracker) RecordActivity(ctx context.Context, tabID int, domain string) (ActivityResult, error) {
	normalized, err := storage.NormalizeDomain(domain)
	if err != nil {
		metrics.ActivityEventsTotal.WithLabelValues("invalid").Inc()
		return ActivityResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	result := ActivityResult{Domain: normalized}

	if !t.tabs.Focused() {
		t.logger.Debug().Int("tab_id", tabID).Msg("Activity while no window has focus")
		metrics.ActivityEventsTotal.WithLabelValues("ignored").Inc()
		return result, nil
	}

	if tabID != t.state.ActiveTabID {
		if !t.confirmActiveLocked(ctx, tabID) {
			metrics.ActivityEventsTotal.WithLabelValues("ignored").Inc()
			return result, nil
		}
		t.state.ActiveTabID = tabID
	}

	now := t.clock.Now()

	if normalized != t.state.ActiveDomain {
		t.finalizeLocked(ctx, "domain changed")
		t.state.ActiveDomain = normalized
	}

	if t.state.IsTracking {
		if gap := now.Sub(t.state.LastActivity); gap >= t.config.InactivityThreshold {
			// The session silently ended at its last activity.
			t.creditLocked(t.state.ActiveDomain, t.state.LastActivity.Sub(t.state.SessionStart))
			t.endSessionLocked()

			t.logger.Debug().
				Str("domain", t.state.ActiveDomain).
				Dur("gap", gap).
				Msg("Inactivity gap detected, restarting session")

			if err := t.flushLocked(ctx); err != nil {
				t.logger.Error().Err(err).Msg("Failed to flush after inactivity gap")
			}
			t.startSessionLocked(now)
			result.NewSession = true
		}
	} else {
		t.startSessionLocked(now)
		result.NewSession = true
	}

	t.state.LastActivity = now
	result.Tracked = true
	metrics.ActivityEventsTotal.WithLabelValues("tracked").Inc()

	if now.Sub(t.state.LastPersist) >= t.config.ActivityFlushInterval {
		t.scheduler.After(0, func() {
			if err := t.Flush(context.WithoutCancel(ctx)); err != nil {
				t.logger.Error().Err(err).Msg("Background flush failed")
			}
		})
	}

	return result, nil
}

// OnTabActivated performs the tab-change transition for tabID.
func (t *Tracker) OnTabActivated(ctx context.Context, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.switchTabLocked(ctx, tabID)
}

// OnTabURLSettled re-resolves the tracked tab after its URL finished
// loading. Other tabs are ignored.
func (t *Tracker) OnTabURLSettled(ctx context.Context, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tabID == 0 || tabID != t.state.ActiveTabID {
		return
	}
	t.switchTabLocked(ctx, tabID)
}

// OnWindowFocusLost finalizes the current session.
func (t *Tracker) OnWindowFocusLost(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finalizeLocked(ctx, "window focus lost")
}

// OnWindowFocusGained re-resolves the active tab and switches to it. A zero
// tabID asks the resolver for the active tab.
func (t *Tracker) OnWindowFocusGained(ctx context.Context, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tabID == 0 {
		tab, ok, err := t.tabs.ActiveTab(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to query active tab")
			return
		}
		if !ok {
			t.finalizeLocked(ctx, "no active tab")
			return
		}
		tabID = tab.ID
	}
	t.switchTabLocked(ctx, tabID)
}

// OnFlushTick flushes pending time.
func (t *Tracker) OnFlushTick(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.logger.Error().Err(err).Msg("Periodic flush failed")
	}
}

// OnInactivitySweepTick ends a session whose domain went silent without any
// tab or window change. The credited time is flushed by the next flush.
func (t *Tracker) OnInactivitySweepTick(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.IsTracking {
		return
	}

	now := t.clock.Now()
	idle := now.Sub(t.state.LastActivity)
	if idle < t.config.InactivityThreshold {
		return
	}

	t.creditLocked(t.state.ActiveDomain, t.state.LastActivity.Sub(t.state.SessionStart))
	t.endSessionLocked()

	t.logger.Debug().
		Str("domain", t.state.ActiveDomain).
		Dur("idle", idle).
		Msg("Sweeping inactive session")
}

// Flush rolls the running session forward and writes pending time into
// today's record. A domain leaves the pending buffer only once its write
// succeeded, so failed domains are retried by the next flush.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flushLocked(ctx)
}

// LiveTime returns the unflushed milliseconds for domain: pending time plus
// the running session's time, clamped at the inactivity threshold.
func (t *Tracker) LiveTime(domain string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.state.Pending[domain]
	if t.state.IsTracking && t.state.ActiveDomain == domain {
		total += t.inFlightLocked(t.clock.Now())
	}
	return total
}

// LiveSnapshot returns the unflushed milliseconds of every domain.
func (t *Tracker) LiveSnapshot() storage.DailyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(storage.DailyRecord, len(t.state.Pending)+1)
	for domain, ms := range t.state.Pending {
		out.Add(domain, ms)
	}
	if t.state.IsTracking {
		out.Add(t.state.ActiveDomain, t.inFlightLocked(t.clock.Now()))
	}
	return out
}

// Snapshot returns a copy of the session state.
func (t *Tracker) Snapshot() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.clone()
}

// confirmActiveLocked asks the resolver whether tabID is the active tab. When
// the resolver knows of no active tab the signal cannot be refuted and is
// accepted.
func (t *Tracker) confirmActiveLocked(ctx context.Context, tabID int) bool {
	tab, ok, err := t.tabs.ActiveTab(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Int("tab_id", tabID).Msg("Failed to query active tab")
		return false
	}
	if ok && tab.ID != tabID {
		t.logger.Debug().
			Int("tab_id", tabID).
			Int("active_tab_id", tab.ID).
			Msg("Activity from inactive tab")
		return false
	}
	return true
}

// switchTabLocked finalizes the current session and points the tracker at
// tabID. No session starts until the next activity signal.
func (t *Tracker) switchTabLocked(ctx context.Context, tabID int) {
	t.finalizeLocked(ctx, "tab changed")

	t.state.ActiveTabID = tabID
	t.state.ActiveDomain = ""

	tab, ok, err := t.tabs.Tab(ctx, tabID)
	if err != nil {
		t.logger.Warn().Err(err).Int("tab_id", tabID).Msg("Failed to resolve tab")
		return
	}
	if !ok {
		return
	}

	domain, trackable := t.tabs.Domain(tab.URL)
	if !trackable {
		t.logger.Debug().Int("tab_id", tabID).Msg("Active tab is not trackable")
		return
	}
	t.state.ActiveDomain = domain

	t.logger.Debug().
		Int("tab_id", tabID).
		Str("domain", domain).
		Msg("Switched active tab")
}

// finalizeLocked credits the running session up to its effective end,
// flushes and goes idle. It does nothing when not tracking.
func (t *Tracker) finalizeLocked(ctx context.Context, reason string) {
	if !t.state.IsTracking {
		return
	}

	now := t.clock.Now()
	elapsed := t.inFlightLocked(now)
	domain := t.state.ActiveDomain
	sessionID := t.state.SessionID

	t.creditLocked(domain, time.Duration(elapsed)*time.Millisecond)
	t.endSessionLocked()

	t.logger.Debug().
		Str("session_id", sessionID).
		Str("domain", domain).
		Int64("elapsed_ms", elapsed).
		Str("reason", reason).
		Msg("Finalized session")

	if err := t.flushLocked(ctx); err != nil {
		t.logger.Error().Err(err).Str("domain", domain).Msg("Failed to flush finalized session")
	}
}

func (t *Tracker) flushLocked(ctx context.Context) error {
	now := t.clock.Now()
	t.state.LastPersist = now

	if t.state.IsTracking {
		end := t.effectiveEndLocked(now)
		t.creditLocked(t.state.ActiveDomain, end.Sub(t.state.SessionStart))
		t.state.SessionStart = end
	}

	if len(t.state.Pending) == 0 {
		return nil
	}

	day := timekey.DayKey(now)
	domains := make([]string, 0, len(t.state.Pending))
	for domain := range t.state.Pending {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var errs []error
	for _, domain := range domains {
		ms := t.state.Pending[domain]
		if ms <= 0 {
			delete(t.state.Pending, domain)
			continue
		}

		if err := t.store.AddToDay(ctx, day, domain, ms); err != nil {
			metrics.FlushesTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", domain, err))
			continue
		}

		delete(t.state.Pending, domain)
		metrics.FlushesTotal.WithLabelValues("success").Inc()
		metrics.TrackedSecondsTotal.WithLabelValues(domain).Add(float64(ms) / 1000)

		t.logger.Debug().
			Str("day", day).
			Str("domain", domain).
			Int64("ms", ms).
			Msg("Flushed pending time")
	}

	metrics.PendingDomains.Set(float64(len(t.state.Pending)))
	return errors.Join(errs...)
}

// effectiveEndLocked is the end of the running session as of now: the last
// activity once the inactivity threshold has passed, now otherwise.
func (t *Tracker) effectiveEndLocked(now time.Time) time.Time {
	if now.Sub(t.state.LastActivity) >= t.config.InactivityThreshold {
		return t.state.LastActivity
	}
	return now
}

func (t *Tracker) inFlightLocked(now time.Time) int64 {
	elapsed := t.effectiveEndLocked(now).Sub(t.state.SessionStart).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// creditLocked adds elapsed to the pending buffer. Negative spans credit
// nothing.
func (t *Tracker) creditLocked(domain string, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if domain == "" || ms <= 0 {
		return
	}
	t.state.Pending[domain] += ms
	metrics.PendingDomains.Set(float64(len(t.state.Pending)))
}

func (t *Tracker) startSessionLocked(now time.Time) {
	t.state.IsTracking = true
	t.state.SessionStart = now
	t.state.SessionID = uuid.NewString()
	metrics.SessionActive.Set(1)

	t.logger.Debug().
		Str("session_id", t.state.SessionID).
		Str("domain", t.state.ActiveDomain).
		Msg("Started session")
}

func (t *Tracker) endSessionLocked() {
	t.state.IsTracking = false
	t.state.SessionStart = time.Time{}
	t.state.LastActivity = time.Time{}
	t.state.SessionID = ""
	metrics.SessionActive.Set(0)
}
