package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/browser"
	"github.com/goodtune/timetrack/internal/status"
	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/storage/bolt"
	"github.com/goodtune/timetrack/internal/timekey"
	"github.com/goodtune/timetrack/internal/usage"
)

type noopScheduler struct{}

func (noopScheduler) After(time.Duration, func()) func() { return func() {} }
func (noopScheduler) Every(time.Duration, func()) func() { return func() {} }

type testServer struct {
	server   *Server
	handler  http.Handler
	tracker  *usage.Tracker
	registry *browser.Registry
	gateway  *storage.Gateway
	clock    *quartz.Mock
	ctx      context.Context
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "timetrack.bolt"))
	if err != nil {
		t.Fatalf("Failed to open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	clock := quartz.NewMock(t)
	gateway := storage.NewGateway(store, logger)

	registry, err := browser.NewRegistry(16, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	tracker := usage.NewTracker(gateway, gateway, registry, noopScheduler{}, clock, usage.Config{}, logger)
	statusService := status.NewService(gateway, tracker, clock, 90, logger)
	dispatcher := NewDispatcher(tracker, statusService, gateway, logger)
	server := NewServer(cfg, dispatcher, tracker, registry, nil, logger)

	return &testServer{
		server:   server,
		handler:  server.Handler(),
		tracker:  tracker,
		registry: registry,
		gateway:  gateway,
		clock:    clock,
		ctx:      context.Background(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestActivityMessageReturnsStatus(t *testing.T) {
	ts := newTestServer(t, Config{})

	if err := ts.gateway.SetLimit(ts.ctx, "example.com", storage.LimitConfig{Limit: 60000, Period: storage.PeriodDay}); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	rec := ts.do(t, "POST", "/api/messages", map[string]interface{}{
		"type":      "ActivityDetected",
		"domain":    "Example.COM",
		"tabId":     7,
		"timestamp": 1714470000000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request ID header")
	}

	got := decodeResponse[status.DomainStatus](t, rec)
	if got.Domain != "example.com" || !got.HasLimit || got.LimitExceeded {
		t.Errorf("Unexpected status: %+v", got)
	}
	if got.RemainingTime == nil || *got.RemainingTime != 60000 {
		t.Errorf("Expected 60000ms remaining, got %v", got.RemainingTime)
	}

	state := ts.tracker.Snapshot()
	if !state.IsTracking || state.ActiveTabID != 7 || state.ActiveDomain != "example.com" {
		t.Errorf("Unexpected session state: %+v", state)
	}
}

func TestActivityAccumulatesIntoStatus(t *testing.T) {
	ts := newTestServer(t, Config{})

	for i := 0; i < 3; i++ {
		rec := ts.do(t, "POST", "/api/messages", `{"type":"ActivityDetected","domain":"example.com","tabId":1}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		ts.clock.Advance(5 * time.Second).MustWait(ts.ctx)
	}

	if err := ts.tracker.Flush(ts.ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	record, err := ts.gateway.GetDay(ts.ctx, timekey.DayKey(ts.clock.Now()))
	if err != nil {
		t.Fatalf("GetDay failed: %v", err)
	}
	// Two 5s steps between signals, then a third step still inside the
	// inactivity threshold.
	if record["example.com"] != 15000 {
		t.Errorf("Expected 15000ms, got %d", record["example.com"])
	}

	rec := ts.do(t, "GET", "/api/status/example.com", nil)
	got := decodeResponse[status.DomainStatus](t, rec)
	if got.TotalTime != 15000 {
		t.Errorf("Expected total 15000ms, got %d", got.TotalTime)
	}
}

func TestMessageErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest},
		{"unknown type", `{"type":"Explode"}`, http.StatusBadRequest},
		{"invalid domain", `{"type":"GetDomainStatus","domain":"bad..example.com"}`, http.StatusBadRequest},
		{"url as domain", `{"type":"ActivityDetected","domain":"https://example.com/watch","tabId":1}`, http.StatusBadRequest},
		{"domain with port", `{"type":"SetLimit","domain":"example.com:8080","limitMs":1000,"period":"day"}`, http.StatusBadRequest},
		{"invalid days", `{"type":"GetStats","days":0}`, http.StatusBadRequest},
		{"too many days", `{"type":"GetStats","days":91}`, http.StatusBadRequest},
		{"invalid period", `{"type":"SetLimit","domain":"example.com","limitMs":1000,"period":"year"}`, http.StatusBadRequest},
		{"invalid limit", `{"type":"SetLimit","domain":"example.com","limitMs":0,"period":"day"}`, http.StatusBadRequest},
		{"wrong field type", `{"type":"GetStats","days":"seven"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/messages", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("Expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			resp := decodeResponse[ErrorResponse](t, rec)
			if resp.Code != tt.code || resp.Message == "" {
				t.Errorf("Unexpected error response: %+v", resp)
			}
		})
	}
}

func TestLimitRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, "PUT", "/api/limits/Video.Example.NET", map[string]interface{}{"limitMs": 3600000, "period": "Week"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !decodeResponse[SuccessResponse](t, rec).Success {
		t.Error("Expected success")
	}

	rec = ts.do(t, "PUT", "/api/limits/example.com", map[string]interface{}{"limitMs": 600000})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	limits := decodeResponse[storage.Limits](t, ts.do(t, "GET", "/api/limits", nil))
	want := storage.Limits{
		"video.example.net": {Limit: 3600000, Period: storage.PeriodWeek},
		"example.com":       {Limit: 600000, Period: storage.PeriodDay},
	}
	if len(limits) != len(want) {
		t.Fatalf("Expected %d limits, got %v", len(want), limits)
	}
	for domain, cfg := range want {
		if limits[domain] != cfg {
			t.Errorf("Limit for %s: expected %+v, got %+v", domain, cfg, limits[domain])
		}
	}

	rec = ts.do(t, "DELETE", "/api/limits/example.com", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	limits = decodeResponse[storage.Limits](t, ts.do(t, "GET", "/api/limits", nil))
	if _, ok := limits["example.com"]; ok {
		t.Error("Expected example.com limit to be removed")
	}

	rec = ts.do(t, "PUT", "/api/limits/example.com", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", rec.Code)
	}
}

func TestStatsRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})

	today := timekey.DayKey(ts.clock.Now())
	if err := ts.gateway.AddToDay(ts.ctx, today, "example.com", 42000); err != nil {
		t.Fatalf("AddToDay failed: %v", err)
	}

	todayStats := decodeResponse[status.TodayStats](t, ts.do(t, "GET", "/api/stats/today", nil))
	if todayStats.Date != today || todayStats.Data["example.com"] != 42000 {
		t.Errorf("Unexpected today stats: %+v", todayStats)
	}

	stats := decodeResponse[status.Stats](t, ts.do(t, "GET", "/api/stats", nil))
	if len(stats.DailyData) != DefaultStatsDays {
		t.Errorf("Expected %d days, got %d", DefaultStatsDays, len(stats.DailyData))
	}
	if stats.DailyData[today]["example.com"] != 42000 {
		t.Errorf("Expected today's record in stats, got %v", stats.DailyData[today])
	}

	stats = decodeResponse[status.Stats](t, ts.do(t, "GET", "/api/stats?days=3", nil))
	if len(stats.DailyData) != 3 {
		t.Errorf("Expected 3 days, got %d", len(stats.DailyData))
	}

	if rec := ts.do(t, "GET", "/api/stats?days=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-numeric days, got %d", rec.Code)
	}
}

func TestTabEventRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, "POST", "/api/events/tab-updated", browser.Tab{ID: 3, URL: "https://example.com/a", Active: true, Complete: true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	ts.do(t, "POST", "/api/events/tab-updated", browser.Tab{ID: 4, URL: "https://news.example.org/", Complete: true})

	ts.do(t, "POST", "/api/messages", `{"type":"ActivityDetected","domain":"example.com","tabId":3}`)
	ts.clock.Advance(4 * time.Second).MustWait(ts.ctx)

	// Switching tabs finalizes the example.com session and points at tab 4.
	rec = ts.do(t, "POST", "/api/events/tab-activated", map[string]int{"tabId": 4})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}

	state := ts.tracker.Snapshot()
	if state.ActiveTabID != 4 || state.ActiveDomain != "news.example.org" || state.IsTracking {
		t.Errorf("Unexpected state after tab switch: %+v", state)
	}

	record, err := ts.gateway.GetDay(ts.ctx, timekey.DayKey(ts.clock.Now()))
	if err != nil {
		t.Fatalf("GetDay failed: %v", err)
	}
	if record["example.com"] != 4000 {
		t.Errorf("Expected 4000ms for example.com, got %d", record["example.com"])
	}

	ts.do(t, "POST", "/api/messages", `{"type":"ActivityDetected","domain":"news.example.org","tabId":4}`)
	if !ts.tracker.Snapshot().IsTracking {
		t.Fatal("Expected activity on tab 4 to start a session")
	}

	// Losing focus ends the session.
	rec = ts.do(t, "POST", "/api/events/window-focus", map[string]interface{}{"focused": false})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if ts.tracker.Snapshot().IsTracking {
		t.Error("Expected tracking to stop after focus loss")
	}
	if ts.registry.Focused() {
		t.Error("Expected registry to record focus loss")
	}

	ts.do(t, "POST", "/api/messages", `{"type":"ActivityDetected","domain":"example.org","tabId":4}`)
	if ts.tracker.Snapshot().IsTracking {
		t.Error("Expected activity without window focus to leave tracking off")
	}

	rec = ts.do(t, "POST", "/api/events/tab-removed", map[string]int{"tabId": 3})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if _, ok, _ := ts.registry.Tab(ts.ctx, 3); ok {
		t.Error("Expected tab 3 to be removed")
	}

	if rec := ts.do(t, "POST", "/api/events/tab-activated", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", rec.Code)
	}
}

func TestSessionAndHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	ts.do(t, "POST", "/api/messages", `{"type":"ActivityDetected","domain":"example.com","tabId":9}`)

	rec := ts.do(t, "GET", "/api/session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	session := decodeResponse[map[string]interface{}](t, rec)
	if session["isTracking"] != true || session["activeDomain"] != "example.com" || session["sessionId"] == "" {
		t.Errorf("Unexpected session view: %v", session)
	}
	if _, ok := session["lastPersistTime"]; ok {
		t.Error("Expected no lastPersistTime before any flush")
	}

	health := decodeResponse[map[string]interface{}](t, ts.do(t, "GET", "/health", nil))
	if health["status"] != "ok" || health["tracking"] != true {
		t.Errorf("Unexpected health response: %v", health)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"chrome-extension://*"}})

	req := httptest.NewRequest("OPTIONS", "/api/messages", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdef" {
		t.Errorf("Expected origin to be allowed, got %q", got)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected foreign origin to be refused, got %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter := NewRateLimiter(2, time.Minute, clock)

	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatal("Expected first two requests to be allowed")
	}
	if limiter.Allow("a") {
		t.Error("Expected third request to be limited")
	}
	if !limiter.Allow("b") {
		t.Error("Expected another client to be allowed")
	}

	clock.Advance(time.Minute).MustWait(context.Background())
	if !limiter.Allow("a") {
		t.Error("Expected request to be allowed after the window")
	}

	disabled := NewRateLimiter(0, time.Minute, clock)
	for i := 0; i < 100; i++ {
		if !disabled.Allow("a") {
			t.Fatal("Expected disabled limiter to allow everything")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	clock := quartz.NewMock(t)
	handler := RateLimitMiddleware(NewRateLimiter(1, time.Minute, clock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 429], got %v", codes)
	}
}
