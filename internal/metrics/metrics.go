package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Policy metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_decisions_total",
			Help: "Total policy evaluations by resulting action",
		},
		[]string{"action"},
	)

	BlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_blocked_total",
			Help: "Total redirects performed",
		},
		[]string{"scope", "reason"},
	)

	// Usage metrics
	UsageSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_usage_seconds_total",
			Help: "Total budgeted seconds accumulated",
		},
		[]string{"scope"},
	)

	TrackingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbudget_tracking_active",
			Help: "Whether a tracking clock is running",
		},
	)

	// Rollover metrics
	RolloversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_rollovers_total",
			Help: "Total daily counter resets",
		},
		[]string{"kind"},
	)

	HistoryDaysPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_history_days_pruned_total",
			Help: "Archived statistics days removed by retention",
		},
	)

	// Native messaging metrics
	NativeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbudget_native_messages_total",
			Help: "Native messaging frames exchanged with the browser",
		},
		[]string{"direction", "type"},
	)

	NativeQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbudget_native_query_duration_seconds",
			Help:    "Round trip time of browser queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"query"},
	)

	// Resolver metrics
	ResolverCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_resolver_cache_hits_total",
			Help: "URL resolver cache hits",
		},
	)

	ResolverCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbudget_resolver_cache_misses_total",
			Help: "URL resolver cache misses",
		},
	)

	// API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbudget_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DecisionsTotal,
		BlockedTotal,
		UsageSecondsTotal,
		TrackingActive,
		RolloversTotal,
		HistoryDaysPruned,
		NativeMessagesTotal,
		NativeQueryDuration,
		ResolverCacheHits,
		ResolverCacheMisses,
		APIRequestDuration,
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
