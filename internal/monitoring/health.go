// Package monitoring exposes the service's liveness and readiness endpoints.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lewisedginton/telefeed/pkg/health"
	"github.com/lewisedginton/telefeed/pkg/health/checkers"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Health status constants
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusReady     = "ready"
	statusNotReady  = "not_ready"
)

var errShuttingDown = errors.New("shutting down")

// HealthMonitor manages health checks and monitoring endpoints for the application
type HealthMonitor struct {
	checker      *health.Checker
	logger       logger.Logger
	startTime    time.Time
	version      string
	stats        func() map[string]int
	shuttingDown atomic.Bool
}

// Config holds configuration for the health monitor
type Config struct {
	Logger  logger.Logger
	Version string

	Store checkers.Pinger  // Optional: persistence backend
	Bot   checkers.Readier // Optional: command bot
	// Stats is optional and is reported by the combined endpoint.
	Stats func() map[string]int

	Timeout          time.Duration // Health check timeout
	FailureThreshold int           // Number of consecutive failures before reporting unhealthy
}

// NewHealthMonitor creates a new health monitor with configured checks
func NewHealthMonitor(cfg Config) *HealthMonitor {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	failureThreshold := cfg.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	hm := &HealthMonitor{
		checker: health.New(
			health.WithLogger(cfg.Logger),
			health.WithTimeout(timeout),
			health.WithFailureThreshold(failureThreshold),
		),
		logger:    cfg.Logger,
		startTime: time.Now(),
		version:   cfg.Version,
		stats:     cfg.Stats,
	}

	hm.checker.Register(health.Liveness, health.NewCheckFunc("process", func(ctx context.Context) error {
		return nil
	}))

	hm.checker.Register(health.Readiness, health.NewCheckFunc("shutdown", func(ctx context.Context) error {
		if hm.shuttingDown.Load() {
			return errShuttingDown
		}
		return nil
	}))
	if cfg.Store != nil {
		hm.checker.Register(health.Readiness, checkers.NewPingChecker("store", cfg.Store))
	}
	if cfg.Bot != nil {
		hm.checker.Register(health.Readiness, checkers.NewReadyChecker("telegram_bot", cfg.Bot))
	}

	return hm
}

// LivenessHandler returns an HTTP handler for Kubernetes liveness checks
// GET /health/live - Returns 200 if the process is alive and can handle requests
func (hm *HealthMonitor) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.checker.Run(r.Context(), health.Liveness)
		err := report.Err()

		response := map[string]interface{}{
			"status":    statusHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(hm.startTime).String(),
			"checks":    report.Checks,
		}

		code := http.StatusOK
		if err != nil {
			response["status"] = statusUnhealthy
			response["error"] = err.Error()
			code = http.StatusServiceUnavailable
			hm.logger.Error("Liveness check failed", logger.ErrorField(err))
		}
		writeJSON(w, code, response)
	}
}

// ReadinessHandler returns an HTTP handler for Kubernetes readiness checks
// GET /health/ready - Returns 200 when the store answers and the bot is polling
func (hm *HealthMonitor) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    statusNotReady,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"error":     errShuttingDown.Error(),
			})
			return
		}

		report := hm.checker.Run(r.Context(), health.Readiness)
		err := report.Err()

		response := map[string]interface{}{
			"status":    statusReady,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    report.Checks,
		}

		code := http.StatusOK
		if err != nil {
			response["status"] = statusNotReady
			response["error"] = err.Error()
			code = http.StatusServiceUnavailable
			hm.logger.Warn("Readiness check failed", logger.ErrorField(err))
		}
		writeJSON(w, code, response)
	}
}

// HealthHandler returns a combined health endpoint that includes both liveness and readiness
// GET /health - Returns comprehensive health status
func (hm *HealthMonitor) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		livenessReport := hm.checker.Run(ctx, health.Liveness)
		readinessReport := hm.checker.Run(ctx, health.Readiness)
		livenessErr, readinessErr := livenessReport.Err(), readinessReport.Err()

		liveness := map[string]interface{}{
			"status": statusHealthy,
			"checks": livenessReport.Checks,
		}
		readiness := map[string]interface{}{
			"status": statusReady,
			"checks": readinessReport.Checks,
		}
		response := map[string]interface{}{
			"status":    statusHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(hm.startTime).String(),
			"version":   hm.version,
			"liveness":  liveness,
			"readiness": readiness,
		}
		if hm.stats != nil {
			response["stats"] = hm.stats()
		}

		code := http.StatusOK
		if livenessErr != nil {
			liveness["status"] = statusUnhealthy
			liveness["error"] = livenessErr.Error()
			code = http.StatusServiceUnavailable
		}
		if readinessErr != nil {
			readiness["status"] = statusNotReady
			readiness["error"] = readinessErr.Error()
			code = http.StatusServiceUnavailable
		}
		if code != http.StatusOK {
			response["status"] = statusUnhealthy
		}
		writeJSON(w, code, response)
	}
}

// RegisterHandlers registers all health check endpoints on the provided mux
func (hm *HealthMonitor) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", hm.HealthHandler())
	mux.HandleFunc("/health/live", hm.LivenessHandler())
	mux.HandleFunc("/health/ready", hm.ReadinessHandler())
}

// MarkShuttingDown makes readiness fail immediately so load balancers stop
// routing while the service drains.
func (hm *HealthMonitor) MarkShuttingDown() {
	hm.shuttingDown.Store(true)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
