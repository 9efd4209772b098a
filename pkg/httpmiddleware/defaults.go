// Package httpmiddleware assembles the chi middleware stack used by the
// service's HTTP surfaces.
package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/unrolled/secure"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Config selects which middleware ApplyToRouter installs.
type Config struct {
	Logger   logger.Logger
	CORS     *CORSConfig
	Security *secure.Options // nil uses the secure package defaults (no headers)
	Timeout  time.Duration
	// Metrics, when set, wraps every request (see metrics.Metrics.HTTPMiddleware).
	Metrics func(http.Handler) http.Handler
	// Recovery replaces chi's Recoverer when set.
	Recovery func(http.Handler) http.Handler

	EnableCorrelationID bool
	EnableLogging       bool // requires Logger
	EnableRecovery      bool
	EnableCORS          bool
	EnableSecurity      bool
	EnableCompression   bool
	EnableHeartbeat     bool // serves GET /ping
	EnableRealIP        bool
	EnableTimeout       bool
}

// DefaultConfig returns the stack for the read-only admin API. Logging stays
// off until a Logger is supplied.
func DefaultConfig() Config {
	corsConfig := DefaultCORSConfig()
	return Config{
		CORS: &corsConfig,
		Security: &secure.Options{
			FrameDeny:          true,
			ContentTypeNosniff: true,
		},
		Timeout: 30 * time.Second,

		EnableCorrelationID: true,
		EnableRecovery:      true,
		EnableCORS:          true,
		EnableSecurity:      true,
		EnableCompression:   true,
		EnableHeartbeat:     true,
		EnableRealIP:        true,
		EnableTimeout:       true,
	}
}

// ApplyToRouter installs the configured middleware, outermost first:
// correlation id, security headers, real IP, metrics, logging, recovery,
// CORS, timeout, compression, heartbeat.
func ApplyToRouter(router chi.Router, config Config) {
	if config.EnableCorrelationID {
		router.Use(CorrelationID())
	}
	if config.EnableSecurity {
		router.Use(Security(config.Security))
	}
	if config.EnableRealIP {
		router.Use(middleware.RealIP)
	}
	if config.Metrics != nil {
		router.Use(config.Metrics)
	}
	if config.EnableLogging && config.Logger != nil {
		router.Use(config.Logger.HTTPMiddleware)
	}
	if config.EnableRecovery {
		if config.Recovery != nil {
			router.Use(config.Recovery)
		} else {
			router.Use(middleware.Recoverer)
		}
	}
	if config.EnableCORS && config.CORS != nil {
		router.Use(CORS(*config.CORS))
	}
	if config.EnableTimeout && config.Timeout > 0 {
		router.Use(middleware.Timeout(config.Timeout))
	}
	if config.EnableCompression {
		router.Use(middleware.Compress(5))
	}
	if config.EnableHeartbeat {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// WithLogger applies DefaultConfig with request logging through log.
func WithLogger(router chi.Router, log logger.Logger) {
	config := DefaultConfig()
	config.Logger = log
	config.EnableLogging = true
	ApplyToRouter(router, config)
}
