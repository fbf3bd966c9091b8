// Package status answers limit and usage queries by combining persisted
// daily records with time the tracker has not flushed yet.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/aggregate"
	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/timekey"
)

// ErrInvalidDays is returned for a stats window outside 1..max days.
var ErrInvalidDays = errors.New("invalid days")

// Gateway is the persisted side of a query.
type Gateway interface {
	GetDay(ctx context.Context, dayKey string) (storage.DailyRecord, error)
	GetRange(ctx context.Context, dayKeys []string) (map[string]storage.DailyRecord, error)
	GetLimits(ctx context.Context) (storage.Limits, error)
}

// Live is the in-memory side of a query.
type Live interface {
	LiveTime(domain string) int64
	LiveSnapshot() storage.DailyRecord
}

// DomainStatus is the usage and limit state of one domain.
type DomainStatus struct {
	Domain        string         `json:"domain"`
	HasLimit      bool           `json:"hasLimit"`
	LimitExceeded bool           `json:"limitExceeded"`
	TotalTime     int64          `json:"totalTime"`
	PeriodTime    *int64         `json:"periodTime,omitempty"`
	Limit         *int64         `json:"limit,omitempty"`
	Period        storage.Period `json:"period,omitempty"`
	ExceededBy    *int64         `json:"exceededBy,omitempty"`
	RemainingTime *int64         `json:"remainingTime,omitempty"`
}

// TodayStats is today's time per domain.
type TodayStats struct {
	Date   string              `json:"date"`
	Data   storage.DailyRecord `json:"data"`
	Limits storage.Limits      `json:"limits"`
}

// Stats is the time per domain for each day of a window.
type Stats struct {
	DailyData map[string]storage.DailyRecord `json:"dailyData"`
	Limits    storage.Limits                 `json:"limits"`
}

// Service answers status queries.
type Service struct {
	gateway Gateway
	live    Live
	clock   quartz.Clock
	maxDays int
	logger  zerolog.Logger
}

// NewService creates a status service. Stats windows are limited to maxDays.
func NewService(gateway Gateway, live Live, clock quartz.Clock, maxDays int, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		gateway: gateway,
		live:    live,
		clock:   clock,
		maxDays: maxDays,
		logger:  logger.With().Str("component", "status").Logger(),
	}
}

// DomainStatus returns today's time for domain and, when it has a limit,
// the time within the limit's period and whether the limit is reached.
func (s *Service) DomainStatus(ctx context.Context, domain string) (DomainStatus, error) {
	normalized, err := storage.NormalizeDomain(domain)
	if err != nil {
		return DomainStatus{}, err
	}

	limits, err := s.gateway.GetLimits(ctx)
	if err != nil {
		return DomainStatus{}, err
	}

	cfg, hasLimit := limits[normalized]

	now := s.clock.Now()
	total, err := aggregate.TimeForPeriod(ctx, s.gateway, s.live, normalized, storage.PeriodDay, now)
	if err != nil {
		return DomainStatus{}, fmt.Errorf("failed to read %s status: %w", normalized, err)
	}

	status := DomainStatus{
		Domain:    normalized,
		HasLimit:  hasLimit,
		TotalTime: total,
	}
	if !hasLimit {
		return status, nil
	}

	periodTime := total
	if cfg.Period != storage.PeriodDay {
		periodTime, err = aggregate.TimeForPeriod(ctx, s.gateway, s.live, normalized, cfg.Period, now)
		if err != nil {
			return DomainStatus{}, fmt.Errorf("failed to read %s status: %w", normalized, err)
		}
	}

	limit := cfg.Limit
	status.PeriodTime = &periodTime
	status.Limit = &limit
	status.Period = cfg.Period

	if periodTime >= limit {
		exceededBy := periodTime - limit
		remaining := int64(0)
		status.LimitExceeded = true
		status.ExceededBy = &exceededBy
		status.RemainingTime = &remaining
	} else {
		remaining := limit - periodTime
		status.RemainingTime = &remaining
	}

	return status, nil
}

// TodayStats returns today's time for every domain.
func (s *Service) TodayStats(ctx context.Context) (TodayStats, error) {
	today := timekey.DayKey(s.clock.Now())

	record, err := s.gateway.GetDay(ctx, today)
	if err != nil {
		return TodayStats{}, err
	}
	limits, err := s.gateway.GetLimits(ctx)
	if err != nil {
		return TodayStats{}, err
	}

	return TodayStats{
		Date:   today,
		Data:   s.withLive(record),
		Limits: limits,
	}, nil
}

// Stats returns the time per domain for each of the last days days, today
// included.
func (s *Service) Stats(ctx context.Context, days int) (Stats, error) {
	if days < 1 || (s.maxDays > 0 && days > s.maxDays) {
		return Stats{}, fmt.Errorf("%w: %d (must be between 1 and %d)", ErrInvalidDays, days, s.maxDays)
	}

	now := s.clock.Now()
	records, err := s.gateway.GetRange(ctx, timekey.DaysEnding(now, days))
	if err != nil {
		return Stats{}, err
	}
	limits, err := s.gateway.GetLimits(ctx)
	if err != nil {
		return Stats{}, err
	}

	today := timekey.DayKey(now)
	records[today] = s.withLive(records[today])

	return Stats{DailyData: records, Limits: limits}, nil
}

func (s *Service) withLive(record storage.DailyRecord) storage.DailyRecord {
	if s.live == nil {
		if record == nil {
			return storage.DailyRecord{}
		}
		return record
	}
	return aggregate.SumRange(record, s.live.LiveSnapshot())
}
