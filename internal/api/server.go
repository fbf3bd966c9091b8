// Package api is the daemon's local HTTP interface for the browser extension.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/browser"
	"github.com/goodtune/timetrack/internal/metrics"
	"github.com/goodtune/timetrack/internal/status"
	"github.com/goodtune/timetrack/internal/storage"
)

// DefaultStatsDays is the window of GET /api/stats without a days parameter.
const DefaultStatsDays = 7

const maxBodyBytes = 64 << 10

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

// TabEvents receives the extension's tab and window events.
type TabEvents interface {
	Update(tab browser.Tab)
	Activate(tabID int)
	Remove(tabID int)
	SetFocused(focused bool)
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	dispatcher  *Dispatcher
	tracker     Tracker
	tabs        TabEvents
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, dispatcher *Dispatcher, tracker Tracker, tabs TabEvents, limiter *RateLimiter, logger zerolog.Logger) *Server {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, nil)
	}

	s := &Server{
		config:      cfg,
		dispatcher:  dispatcher,
		tracker:     tracker,
		tabs:        tabs,
		rateLimiter: limiter,
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(LoggingMiddleware(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Message endpoint
	s.router.HandleFunc("/api/messages", s.handleMessage).Methods("POST")

	// REST conveniences over the same dispatcher
	s.router.HandleFunc("/api/status/{domain}", s.handleDomainStatus).Methods("GET")
	s.router.HandleFunc("/api/stats/today", s.handleTodayStats).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/limits", s.handleGetLimits).Methods("GET")
	s.router.HandleFunc("/api/limits/{domain}", s.handleSetLimit).Methods("PUT")
	s.router.HandleFunc("/api/limits/{domain}", s.handleRemoveLimit).Methods("DELETE")

	// Browser events
	s.router.HandleFunc("/api/events/tab-activated", s.handleTabActivated).Methods("POST")
	s.router.HandleFunc("/api/events/tab-updated", s.handleTabUpdated).Methods("POST")
	s.router.HandleFunc("/api/events/tab-removed", s.handleTabRemoved).Methods("POST")
	s.router.HandleFunc("/api/events/window-focus", s.handleWindowFocus).Methods("POST")

	// Diagnostics
	s.router.HandleFunc("/api/session", s.handleSession).Methods("GET")

	// Preflight requests must match a route for the middleware to run.
	s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"tracking": state.IsTracking,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("unknown", strconv.Itoa(http.StatusBadRequest)).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.dispatch(w, r, msg)
}

func (s *Server) handleDomainStatus(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, GetDomainStatus{Domain: mux.Vars(r)["domain"]})
}

func (s *Server) handleTodayStats(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, GetTodayStats{})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := DefaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	s.dispatch(w, r, GetStats{Days: days})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, GetLimits{})
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LimitMs int64  `json:"limitMs"`
		Period  string `json:"period"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Period == "" {
		req.Period = string(storage.PeriodDay)
	}
	s.dispatch(w, r, SetLimit{Domain: mux.Vars(r)["domain"], LimitMs: req.LimitMs, Period: req.Period})
}

func (s *Server) handleRemoveLimit(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, RemoveLimit{Domain: mux.Vars(r)["domain"]})
}

func (s *Server) handleTabActivated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TabID int `json:"tabId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.tabs.Activate(req.TabID)
	s.tracker.OnTabActivated(r.Context(), req.TabID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTabUpdated(w http.ResponseWriter, r *http.Request) {
	var tab browser.Tab
	if !decodeBody(w, r, &tab) {
		return
	}
	tab.UpdatedAt = time.Now()

	s.tabs.Update(tab)
	if tab.Complete {
		s.tracker.OnTabURLSettled(r.Context(), tab.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTabRemoved(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TabID int `json:"tabId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.tabs.Remove(req.TabID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWindowFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Focused bool `json:"focused"`
		TabID   int  `json:"tabId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.tabs.SetFocused(req.Focused)
	if !req.Focused {
		s.tracker.OnWindowFocusLost(r.Context())
	} else {
		if req.TabID != 0 {
			s.tabs.Activate(req.TabID)
		}
		s.tracker.OnWindowFocusGained(r.Context(), req.TabID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionView is the JSON form of the tracker's session state.
type sessionView struct {
	ActiveTabID  int              `json:"activeTabId,omitempty"`
	ActiveDomain string           `json:"activeDomain,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	SessionStart *time.Time       `json:"sessionStartTime,omitempty"`
	LastActivity *time.Time       `json:"lastActivityTime,omitempty"`
	IsTracking   bool             `json:"isTracking"`
	Pending      map[string]int64 `json:"pendingTime"`
	LastPersist  *time.Time       `json:"lastPersistTime,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	state := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, sessionView{
		ActiveTabID:  state.ActiveTabID,
		ActiveDomain: state.ActiveDomain,
		SessionID:    state.SessionID,
		SessionStart: timePtr(state.SessionStart),
		LastActivity: timePtr(state.LastActivity),
		IsTracking:   state.IsTracking,
		Pending:      state.Pending,
		LastPersist:  timePtr(state.LastPersist),
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, msg Message) {
	result, err := s.dispatcher.Dispatch(r.Context(), msg)
	if err != nil {
		code := errorStatus(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("type", msg.Type()).Msg("Request failed")
		}
		metrics.APIRequestsTotal.WithLabelValues(msg.Type(), strconv.Itoa(code)).Inc()
		writeError(w, code, err.Error())
		return
	}

	metrics.APIRequestsTotal.WithLabelValues(msg.Type(), strconv.Itoa(http.StatusOK)).Inc()
	writeJSON(w, http.StatusOK, result)
}

// errorStatus maps malformed input to 400 and everything else to 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidDomain),
		errors.Is(err, storage.ErrInvalidLimit),
		errors.Is(err, storage.ErrInvalidPeriod),
		errors.Is(err, status.ErrInvalidDays),
		errors.Is(err, ErrUnknownMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
