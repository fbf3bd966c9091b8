package usage

import (
	"context"
	"time"

	"github.com/goodtune/timetrack/internal/browser"
)

// SessionState is the tracker's in-memory view of the current session and
// the time waiting to be flushed. It is never persisted; a restarted process
// begins with an empty state.
type SessionState struct {
	// ActiveTabID is the tab currently attributed, 0 when none.
	ActiveTabID int
	// ActiveDomain is empty when the active tab is untrackable.
	ActiveDomain string
	SessionID    string
	SessionStart time.Time
	LastActivity time.Time
	IsTracking   bool
	Pending      map[string]int64
	LastPersist  time.Time
}

func (s SessionState) clone() SessionState {
	out := s
	out.Pending = make(map[string]int64, len(s.Pending))
	for domain, ms := range s.Pending {
		out.Pending[domain] = ms
	}
	return out
}

// Store is the durable sink for flushed time.
type Store interface {
	AddToDay(ctx context.Context, dayKey, domain string, ms int64) error
}

// Pruner removes daily records outside the retention window.
type Pruner interface {
	PruneOlderThan(ctx context.Context, asOf time.Time, days int) (int, error)
}

// TabResolver answers questions about the browser's tabs. Focused reports
// whether any browser window has focus.
type TabResolver interface {
	Focused() bool
	ActiveTab(ctx context.Context) (browser.Tab, bool, error)
	Tab(ctx context.Context, tabID int) (browser.Tab, bool, error)
	Domain(rawURL string) (string, bool)
}

// Scheduler runs callbacks later or periodically. The returned function
// cancels the callback.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
	Every(d time.Duration, fn func()) (cancel func())
}

// ActivityResult reports how an activity signal was handled.
type ActivityResult struct {
	// Tracked is false when the signal came from a tab that is not active
	// and only a status read is owed to the caller.
	Tracked bool
	Domain  string
	// NewSession is true when the signal started a session.
	NewSession bool
}
