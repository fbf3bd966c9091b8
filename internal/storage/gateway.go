package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/timetrack/internal/timekey"
	"github.com/rs/zerolog"
)

// Gateway persists daily records and the limits table through a KV substrate.
//
// Read-modify-write operations are not protected by any lock: the daemon is
// the only writer of its records, and concurrent limit edits are
// last-write-wins.
type Gateway struct {
	kv     KV
	logger zerolog.Logger
}

// NewGateway creates a new persistence gateway.
func NewGateway(kv KV, logger zerolog.Logger) *Gateway {
	return &Gateway{
		kv:     kv,
		logger: logger.With().Str("component", "storage-gateway").Logger(),
	}
}

// GetDay returns the record for a day key. A missing day yields an empty
// record, never an error.
func (g *Gateway) GetDay(ctx context.Context, dayKey string) (DailyRecord, error) {
	data, err := g.kv.Get(ctx, timekey.StorageKey(dayKey))
	if errors.Is(err, ErrNotFound) {
		return DailyRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get day %s: %w", dayKey, err)
	}
	return decodeDay(data)
}

// SetDay replaces the record for a day key.
func (g *Gateway) SetDay(ctx context.Context, dayKey string, record DailyRecord) error {
	if record == nil {
		record = DailyRecord{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal day %s: %w", dayKey, err)
	}
	if err := g.kv.Set(ctx, timekey.StorageKey(dayKey), data); err != nil {
		return fmt.Errorf("failed to set day %s: %w", dayKey, err)
	}
	return nil
}

// AddToDay reads the day record, credits ms to domain and writes it back.
func (g *Gateway) AddToDay(ctx context.Context, dayKey, domain string, ms int64) error {
	record, err := g.GetDay(ctx, dayKey)
	if err != nil {
		return err
	}
	record.Add(domain, ms)
	return g.SetDay(ctx, dayKey, record)
}

// GetRange reads several days in one batch. Every requested key is present in
// the result; missing days map to empty records.
func (g *Gateway) GetRange(ctx context.Context, dayKeys []string) (map[string]DailyRecord, error) {
	result := make(map[string]DailyRecord, len(dayKeys))
	if len(dayKeys) == 0 {
		return result, nil
	}

	storageKeys := make([]string, len(dayKeys))
	for i, day := range dayKeys {
		storageKeys[i] = timekey.StorageKey(day)
	}

	values, err := g.kv.GetMany(ctx, storageKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to get day range: %w", err)
	}

	for i, day := range dayKeys {
		data, ok := values[storageKeys[i]]
		if !ok {
			result[day] = DailyRecord{}
			continue
		}
		record, err := decodeDay(data)
		if err != nil {
			return nil, err
		}
		result[day] = record
	}

	return result, nil
}

// GetLimits returns the limits table. Legacy bare-number entries are upgraded
// to daily limits in memory only; storage is rewritten on the next SetLimit or
// RemoveLimit.
func (g *Gateway) GetLimits(ctx context.Context) (Limits, error) {
	data, err := g.kv.Get(ctx, timekey.LimitsKey)
	if errors.Is(err, ErrNotFound) {
		return Limits{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get limits: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode limits table: %w", err)
	}

	limits := make(Limits, len(raw))
	for domain, entry := range raw {
		var cfg LimitConfig
		if err := json.Unmarshal(entry, &cfg); err != nil {
			g.logger.Warn().Err(err).Str("domain", domain).Msg("Skipping unreadable limit entry")
			continue
		}
		if err := cfg.Validate(); err != nil {
			g.logger.Warn().Err(err).Str("domain", domain).Msg("Skipping invalid limit entry")
			continue
		}
		limits[domain] = cfg
	}

	return limits, nil
}

// SetLimit validates and stores a limit, rewriting the whole table.
func (g *Gateway) SetLimit(ctx context.Context, domain string, cfg LimitConfig) error {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	period, err := ParsePeriod(string(cfg.Period))
	if err != nil {
		return err
	}
	cfg.Period = period
	if err := cfg.Validate(); err != nil {
		return err
	}

	limits, err := g.GetLimits(ctx)
	if err != nil {
		return err
	}
	limits[normalized] = cfg

	if err := g.putLimits(ctx, limits); err != nil {
		return err
	}

	g.logger.Info().
		Str("domain", normalized).
		Int64("limit_ms", cfg.Limit).
		Str("period", string(cfg.Period)).
		Msg("Limit set")

	return nil
}

// RemoveLimit deletes the limit for a domain. Removing a domain without a
// limit is not an error.
func (g *Gateway) RemoveLimit(ctx context.Context, domain string) error {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}

	limits, err := g.GetLimits(ctx)
	if err != nil {
		return err
	}
	delete(limits, normalized)

	if err := g.putLimits(ctx, limits); err != nil {
		return err
	}

	g.logger.Info().Str("domain", normalized).Msg("Limit removed")
	return nil
}

// PruneOlderThan deletes daily records dated strictly before the day that is
// days before asOf. Every stored key is scanned; only keys in the daily
// namespace are considered.
func (g *Gateway) PruneOlderThan(ctx context.Context, asOf time.Time, days int) (int, error) {
	cutoff := timekey.Cutoff(asOf, days)

	keys, err := g.kv.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list keys: %w", err)
	}

	var expired []string
	for _, key := range keys {
		day, ok := timekey.ParseStorageKey(key)
		if !ok {
			continue
		}
		// YYYY-MM-DD keys sort lexically in date order.
		if day < cutoff {
			expired = append(expired, key)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	if err := g.kv.Remove(ctx, expired...); err != nil {
		return 0, fmt.Errorf("failed to remove expired days: %w", err)
	}

	g.logger.Debug().
		Str("cutoff", cutoff).
		Int("deleted", len(expired)).
		Msg("Pruned expired daily records")

	return len(expired), nil
}

func (g *Gateway) putLimits(ctx context.Context, limits Limits) error {
	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	if err := g.kv.Set(ctx, timekey.LimitsKey, data); err != nil {
		return fmt.Errorf("failed to set limits: %w", err)
	}
	return nil
}

func decodeDay(data []byte) (DailyRecord, error) {
	record := DailyRecord{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode daily record: %w", err)
	}
	return record, nil
}
