// Package aggregate merges daily records and resolves limit periods to
// rolling day ranges.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/timekey"
)

// RangeReader reads a batch of daily records.
type RangeReader interface {
	GetRange(ctx context.Context, dayKeys []string) (map[string]storage.DailyRecord, error)
}

// LiveSource reports time that is accounted in memory but not yet persisted.
type LiveSource interface {
	LiveTime(domain string) int64
}

// SumRange merges records into one domain to total mapping. Merge order does
// not affect the result.
func SumRange(records ...storage.DailyRecord) storage.DailyRecord {
	total := storage.DailyRecord{}
	for _, record := range records {
		for domain, ms := range record {
			total.Add(domain, ms)
		}
	}
	return total
}

// SumDays merges every record of a range read.
func SumDays(days map[string]storage.DailyRecord) storage.DailyRecord {
	records := make([]storage.DailyRecord, 0, len(days))
	for _, record := range days {
		records = append(records, record)
	}
	return SumRange(records...)
}

// PeriodKeys returns the day keys of the rolling window for period ending on
// the day of asOf: 1 day, the last 7 days or the last 30 days.
func PeriodKeys(period storage.Period, asOf time.Time) []string {
	return timekey.DaysEnding(asOf, period.Days())
}

// TimeForPeriod returns the milliseconds spent on domain in the period window
// ending at asOf, including any live time not yet flushed.
func TimeForPeriod(ctx context.Context, reader RangeReader, live LiveSource, domain string, period storage.Period, asOf time.Time) (int64, error) {
	days, err := reader.GetRange(ctx, PeriodKeys(period, asOf))
	if err != nil {
		return 0, fmt.Errorf("failed to read %s period: %w", period, err)
	}

	total := SumDays(days)[domain]
	if live != nil {
		total += live.LiveTime(domain)
	}
	return total, nil
}
