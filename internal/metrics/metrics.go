package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Vendor gateway metrics
	VendorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glucolink_vendor_requests_total",
			Help: "Total vendor API calls by operation and terminal outcome",
		},
		[]string{"operation", "outcome"},
	)

	VendorRetryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glucolink_vendor_retry_attempts_total",
			Help: "Total vendor call retry attempts",
		},
	)

	// Sync loop metrics
	SyncTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glucolink_sync_ticks_total",
			Help: "Total sync loop ticks by result",
		},
		[]string{"result"},
	)

	ReadingsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glucolink_readings_merged_total",
			Help: "Total readings appended into the glucose log",
		},
	)

	ReadingsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "glucolink_readings_duplicate_total",
			Help: "Total readings discarded as duplicates",
		},
	)

	// Connect flow metrics
	ConnectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glucolink_connect_total",
			Help: "Total explicit connect attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Derived state gauges
	SensorDaysLeft = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "glucolink_sensor_days_left",
			Help: "Days of wear left on the active sensor",
		},
	)

	LastReadingValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "glucolink_last_reading_mg_dl",
			Help: "Most recent merged glucose value in mg/dL",
		},
	)

	// Alert metrics
	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glucolink_alerts_fired_total",
			Help: "Total threshold alerts fired by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(
		VendorRequestsTotal,
		VendorRetryAttempts,
		SyncTicksTotal,
		ReadingsMerged,
		ReadingsDuplicate,
		ConnectTotal,
		SensorDaysLeft,
		LastReadingValue,
		AlertsFired,
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
			err = s.server.Serve(s.listener)
		} else {
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
