package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tracking metrics
	ActivityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetrack_activity_events_total",
			Help: "Total activity signals received",
		},
		[]string{"outcome"},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetrack_flushes_total",
			Help: "Total per-domain flush writes of pending time",
		},
		[]string{"result"},
	)

	TrackedSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetrack_tracked_seconds_total",
			Help: "Total active seconds persisted",
		},
		[]string{"domain"},
	)

	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timetrack_session_active",
			Help: "Whether a session is currently being tracked",
		},
	)

	PendingDomains = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timetrack_pending_domains",
			Help: "Number of domains with unflushed time",
		},
	)

	// Retention metrics
	PrunedDaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timetrack_pruned_days_total",
			Help: "Total daily records removed by retention cleanup",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetrack_api_requests_total",
			Help: "Total API requests handled",
		},
		[]string{"type", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ActivityEventsTotal,
		FlushesTotal,
		TrackedSecondsTotal,
		SessionActive,
		PendingDomains,
		PrunedDaysTotal,
		APIRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
