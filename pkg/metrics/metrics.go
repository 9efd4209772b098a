// Package metrics provides Prometheus metrics collection for HTTP requests and
// the forwarding pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "telefeed"
	subsystem = "http"
)

// Metrics owns a private Prometheus registry plus the HTTP and forwarding
// collectors registered on it.
type Metrics struct {
	reg *prometheus.Registry

	TotalHTTPRequestsCounter prometheus.Counter
	HTTPDurationHistogram    prometheus.Histogram

	mu                   sync.Mutex
	httpRequestsCounters map[int]prometheus.Counter

	Forwarding *Forwarding

	server *http.Server
	log    logger.Logger
}

// NewMetrics creates a Metrics instance. HTTP collectors are registered only
// when httpCounters is set; forwarding collectors are always registered.
func NewMetrics(httpCounters bool, l logger.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: l,
	}
	if httpCounters {
		m.TotalHTTPRequestsCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		})
		m.HTTPDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1.0, 3.0},
		})
		m.httpRequestsCounters = make(map[int]prometheus.Counter)
		m.reg.MustRegister(m.TotalHTTPRequestsCounter, m.HTTPDurationHistogram)
	}
	m.Forwarding = newForwarding()
	m.Forwarding.register(m.reg)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// AddCustomMetric registers an extra collector.
func (m *Metrics) AddCustomMetric(c prometheus.Collector) {
	m.reg.MustRegister(c)
}

// Listen starts the metrics HTTP server on the specified port. It returns
// once the server goroutine is running; call Shutdown to stop it.
func (m *Metrics) Listen(port int) {
	m.log.Info("Starting metrics listener", logger.IntField("port", port))
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := m.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Metrics listener failed", logger.ErrorField(err))
		}
	}()
}

// Shutdown stops the listener started by Listen.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	m.log.Info("Stopping metrics listener")
	return m.server.Shutdown(ctx)
}

// IncrementHTTPResponseCounter increments the counter for the given HTTP status code.
func (m *Metrics) IncrementHTTPResponseCounter(code int) {
	m.mu.Lock()
	c, ok := m.httpRequestsCounters[code]
	if !ok {
		c = newTotalHTTPRespMetric(code)
		m.httpRequestsCounters[code] = c
		m.reg.MustRegister(c)
	}
	m.mu.Unlock()
	c.Inc()
}

func newTotalHTTPRespMetric(code int) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      fmt.Sprintf("responses_%d_total", code),
		Help:      fmt.Sprintf("Total %s HTTP responses returned", http.StatusText(code)),
	})
}

// HTTPMiddleware returns a Chi-compatible middleware that tracks HTTP metrics.
// It is a pass-through when HTTP collectors are disabled.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m.TotalHTTPRequestsCounter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.TotalHTTPRequestsCounter.Inc()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			m.HTTPDurationHistogram.Observe(time.Since(start).Seconds())
			m.IncrementHTTPResponseCounter(rw.statusCode)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
