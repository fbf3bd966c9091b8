package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/status"
	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/usage"
)

// Tracker is the session state machine as seen by the API.
type Tracker interface {
	RecordActivity(ctx context.Context, tabID int, domain string) (usage.ActivityResult, error)
	OnTabActivated(ctx context.Context, tabID int)
	OnTabURLSettled(ctx context.Context, tabID int)
	OnWindowFocusLost(ctx context.Context)
	OnWindowFocusGained(ctx context.Context, tabID int)
	Snapshot() usage.SessionState
}

// StatusService answers status and stats queries.
type StatusService interface {
	DomainStatus(ctx context.Context, domain string) (status.DomainStatus, error)
	TodayStats(ctx context.Context) (status.TodayStats, error)
	Stats(ctx context.Context, days int) (status.Stats, error)
}

// LimitStore reads and edits the limits table.
type LimitStore interface {
	GetLimits(ctx context.Context) (storage.Limits, error)
	SetLimit(ctx context.Context, domain string, cfg storage.LimitConfig) error
	RemoveLimit(ctx context.Context, domain string) error
}

// SuccessResponse acknowledges a limit edit.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Dispatcher routes messages to the tracker, status service and limits.
type Dispatcher struct {
	tracker Tracker
	status  StatusService
	limits  LimitStore
	logger  zerolog.Logger
}

var _ Handler = (*Dispatcher)(nil)

// NewDispatcher creates a new message dispatcher.
func NewDispatcher(tracker Tracker, statusService StatusService, limits LimitStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tracker: tracker,
		status:  statusService,
		limits:  limits,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch handles one message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (any, error) {
	return msg.dispatch(ctx, d)
}

// ActivityDetected records the activity and answers with the domain's
// status. Activity from a tab that is not active is a status read only.
func (d *Dispatcher) ActivityDetected(ctx context.Context, m ActivityDetected) (any, error) {
	result, err := d.tracker.RecordActivity(ctx, m.TabID, m.Domain)
	if err != nil {
		return nil, err
	}

	if m.Timestamp > 0 {
		d.logger.Trace().
			Int("tab_id", m.TabID).
			Str("domain", result.Domain).
			Time("sent_at", time.UnixMilli(m.Timestamp)).
			Bool("tracked", result.Tracked).
			Msg("Activity received")
	}

	return d.status.DomainStatus(ctx, result.Domain)
}

// GetDomainStatus answers a status query.
func (d *Dispatcher) GetDomainStatus(ctx context.Context, m GetDomainStatus) (any, error) {
	return d.status.DomainStatus(ctx, m.Domain)
}

// GetTodayStats answers today's stats.
func (d *Dispatcher) GetTodayStats(ctx context.Context, _ GetTodayStats) (any, error) {
	return d.status.TodayStats(ctx)
}

// GetStats answers stats for a window of days.
func (d *Dispatcher) GetStats(ctx context.Context, m GetStats) (any, error) {
	return d.status.Stats(ctx, m.Days)
}

// SetLimit validates and stores a limit.
func (d *Dispatcher) SetLimit(ctx context.Context, m SetLimit) (any, error) {
	period, err := storage.ParsePeriod(m.Period)
	if err != nil {
		return nil, err
	}
	if err := d.limits.SetLimit(ctx, m.Domain, storage.LimitConfig{Limit: m.LimitMs, Period: period}); err != nil {
		return nil, err
	}
	return SuccessResponse{Success: true}, nil
}

// RemoveLimit deletes a limit.
func (d *Dispatcher) RemoveLimit(ctx context.Context, m RemoveLimit) (any, error) {
	if err := d.limits.RemoveLimit(ctx, m.Domain); err != nil {
		return nil, err
	}
	return SuccessResponse{Success: true}, nil
}

// GetLimits returns the limits table.
func (d *Dispatcher) GetLimits(ctx context.Context, _ GetLimits) (any, error) {
	return d.limits.GetLimits(ctx)
}
