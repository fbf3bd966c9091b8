package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrInvalidDomain is returned for empty or malformed domain names.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrInvalidLimit is returned for non-positive limit values.
	ErrInvalidLimit = errors.New("invalid limit")

	// ErrInvalidPeriod is returned for unknown limit periods.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Period is the rolling window a limit is evaluated against.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod normalizes and validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (must be day, week, or month)", ErrInvalidPeriod, s)
	}
}

// Days returns the number of calendar days covered by the period window.
func (p Period) Days() int {
	switch p {
	case PeriodWeek:
		return 7
	case PeriodMonth:
		return 30
	default:
		return 1
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize and validate the period.
func (p *Period) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DailyRecord maps a domain to the active milliseconds accumulated on one day.
type DailyRecord map[string]int64

// Add credits ms to domain. Non-positive amounts are ignored.
func (r DailyRecord) Add(domain string, ms int64) {
	if ms <= 0 {
		return
	}
	r[domain] += ms
}

// Clone returns a copy of the record.
func (r DailyRecord) Clone() DailyRecord {
	out := make(DailyRecord, len(r))
	for domain, ms := range r {
		out[domain] = ms
	}
	return out
}

// LimitConfig is a per-domain usage limit.
type LimitConfig struct {
	Limit  int64  `json:"limit"`
	Period Period `json:"period"`
}

// Validate checks the limit value and period.
func (c LimitConfig) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: %d (must be positive milliseconds)", ErrInvalidLimit, c.Limit)
	}
	if _, err := ParsePeriod(string(c.Period)); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON accepts both the structured form and the legacy bare number
// form, which is read as a daily limit.
func (c *LimitConfig) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var legacy float64
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return fmt.Errorf("decode legacy limit: %w", err)
		}
		c.Limit = int64(math.Round(legacy))
		c.Period = PeriodDay
		return nil
	}

	type limitConfig LimitConfig
	var structured limitConfig
	if err := json.Unmarshal(trimmed, &structured); err != nil {
		return err
	}
	if structured.Period == "" {
		structured.Period = PeriodDay
	}
	*c = LimitConfig(structured)
	return nil
}

// Limits is the whole limits table keyed by domain.
type Limits map[string]LimitConfig

// Domains returns the limited domains in sorted order.
func (l Limits) Domains() []string {
	domains := make([]string, 0, len(l))
	for domain := range l {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// NormalizeDomain lower-cases a hostname and validates it as a bare domain
// name: letters, digits, '-', '_' and dots only, so URLs, ports and paths are
// rejected.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if strings.IndexFunc(d, invalidHostRune) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	if _, ok := dns.IsDomainName(d); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return d, nil
}

func invalidHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	case r == '.', r == '-', r == '_':
		return false
	}
	return true
}
