package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Event metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediatrace_events_emitted_total",
			Help: "Total interaction events built and enqueued",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediatrace_events_dropped_total",
			Help: "Events discarded before delivery",
		},
		[]string{"reason"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediatrace_queue_depth",
			Help: "Number of records waiting in the delivery queue",
		},
	)

	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediatrace_flush_total",
			Help: "Delivery attempts by path and result",
		},
		[]string{"path", "result"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mediatrace_flush_duration_seconds",
			Help:    "Batch flush request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Player metrics
	PlayerAttach = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediatrace_player_attach_total",
			Help: "Player binding outcomes",
		},
		[]string{"mode", "result"},
	)

	// Watch metrics
	WatchedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediatrace_watched_seconds_total",
			Help: "Seconds of media recorded in closed watch segments",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		EventsEmitted,
		EventsDropped,
		QueueDepth,
		FlushTotal,
		FlushDuration,
		PlayerAttach,
		WatchedSeconds,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
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

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting metrics server")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
