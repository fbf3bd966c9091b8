// Package browser keeps the daemon's view of the extension's tabs.
//
// The extension reports tab and focus events over the API. The registry
// answers the tracker's "which tab is active" and "what URL does this tab
// show" questions from that state.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/storage"
)

// DefaultSkipSchemes lists URL schemes that never carry trackable content.
var DefaultSkipSchemes = []string{
	"chrome",
	"chrome-extension",
	"about",
	"edge",
	"moz-extension",
	"file",
	"data",
	"devtools",
	"view-source",
	"blob",
}

// Tab is the last reported state of one browser tab.
type Tab struct {
	ID        int       `json:"tabId"`
	WindowID  int       `json:"windowId"`
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry is a bounded cache of tabs plus the currently active tab.
type Registry struct {
	tabs      *lru.Cache[int, Tab]
	activeTab int
	hasActive bool
	focused   bool
	skip      map[string]struct{}
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// NewRegistry creates a tab registry holding at most size tabs.
func NewRegistry(size int, skipSchemes []string, logger zerolog.Logger) (*Registry, error) {
	cache, err := lru.New[int, Tab](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tab cache: %w", err)
	}

	if len(skipSchemes) == 0 {
		skipSchemes = DefaultSkipSchemes
	}
	skip := make(map[string]struct{}, len(skipSchemes))
	for _, scheme := range skipSchemes {
		skip[strings.ToLower(strings.TrimSuffix(scheme, ":"))] = struct{}{}
	}

	return &Registry{
		tabs:    cache,
		skip:    skip,
		focused: true,
		logger:  logger.With().Str("component", "tab-registry").Logger(),
	}, nil
}

// Update records a tab's state. An active tab becomes the registry's active
// tab.
func (r *Registry) Update(tab Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tabs.Peek(tab.ID); ok && tab.URL == "" {
		tab.URL = existing.URL
	}
	r.tabs.Add(tab.ID, tab)

	if tab.Active {
		r.activeTab = tab.ID
		r.hasActive = true
	}

	r.logger.Debug().
		Int("tab_id", tab.ID).
		Bool("active", tab.Active).
		Bool("complete", tab.Complete).
		Msg("Tab updated")
}

// Activate marks tabID as the active tab.
func (r *Registry) Activate(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasActive && r.activeTab != tabID {
		if prev, ok := r.tabs.Peek(r.activeTab); ok {
			prev.Active = false
			r.tabs.Add(prev.ID, prev)
		}
	}
	if tab, ok := r.tabs.Peek(tabID); ok {
		tab.Active = true
		r.tabs.Add(tabID, tab)
	}
	r.activeTab = tabID
	r.hasActive = true
}

// Remove forgets a closed tab.
func (r *Registry) Remove(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tabs.Remove(tabID)
	if r.hasActive && r.activeTab == tabID {
		r.hasActive = false
		r.activeTab = 0
	}
}

// SetFocused records whether a browser window has focus.
func (r *Registry) SetFocused(focused bool) {
	r.mu.Lock()
	r.focused = focused
	r.mu.Unlock()
}

// Focused reports whether a browser window has focus.
func (r *Registry) Focused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focused
}

// ActiveTab returns the active tab. The second return value is false when no
// tab is known to be active.
func (r *Registry) ActiveTab(_ context.Context) (Tab, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasActive {
		return Tab{}, false, nil
	}
	tab, ok := r.tabs.Peek(r.activeTab)
	if !ok {
		// Activated before any update arrived; the URL is not known yet.
		return Tab{ID: r.activeTab, Active: true}, true, nil
	}
	return tab, true, nil
}

// Tab returns the last known state of tabID.
func (r *Registry) Tab(_ context.Context, tabID int) (Tab, bool, error) {
	tab, ok := r.tabs.Get(tabID)
	return tab, ok, nil
}

// Len returns the number of cached tabs.
func (r *Registry) Len() int {
	return r.tabs.Len()
}

// Domain extracts the trackable domain of rawURL. The second return value is
// false for unparseable URLs, skipped schemes and URLs without a host.
func (r *Registry) Domain(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "", false
	}
	if _, skipped := r.skip[scheme]; skipped {
		return "", false
	}

	host := u.Hostname()
	if host == "" {
		return "", false
	}

	domain, err := storage.NormalizeDomain(host)
	if err != nil {
		return "", false
	}
	return domain, true
}
