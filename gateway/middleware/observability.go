package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability records per-route request counts and latency and logs
// requests. Tracing is left to otelhttp at the handler root.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpRequests    *prometheus.CounterVec
	httpDurations   *prometheus.HistogramVec
)

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ledgerd"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "ledger_http"
	}
	httpMetricsOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: cfg.MetricsPrefix + "_requests_total",
			Help: "Total HTTP requests processed.",
		}, []string{"service", "route", "method", "status"})
		httpDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    cfg.MetricsPrefix + "_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "route", "method"})
		prometheus.MustRegister(httpRequests, httpDurations)
	})
	return &Observability{
		cfg:       cfg,
		logger:    logger.With("component", "http"),
		requests:  httpRequests,
		durations: httpDurations,
	}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			o.requests.WithLabelValues(o.cfg.ServiceName, route, r.Method, strconv.Itoa(recorder.status)).Inc()
			o.durations.WithLabelValues(o.cfg.ServiceName, route, r.Method).Observe(duration.Seconds())
			if o.cfg.LogRequests {
				o.logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration_ms", duration.Milliseconds(),
					"request_id", RequestIDFromContext(r.Context()),
				)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
