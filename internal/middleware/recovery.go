// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

// RecoveryConfig holds configuration for the recovery middleware
type RecoveryConfig struct {
	Logger              logger.Logger
	EnableStackTrace    bool   // Whether to log full stack traces
	ResponseMessage     string // Body returned to clients after a panic
	ResponseContentType string
}

// DefaultRecoveryConfig returns the configuration used by the admin API.
func DefaultRecoveryConfig(log logger.Logger) RecoveryConfig {
	return RecoveryConfig{
		Logger:              log,
		EnableStackTrace:    true,
		ResponseMessage:     `{"error":"internal server error","kind":"internal"}`,
		ResponseContentType: "application/json",
	}
}

// Recovery returns a middleware that recovers from panics and logs them
func Recovery(config RecoveryConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// Let the server abort the response as it would without us.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				handlePanic(w, r, rec, config)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func handlePanic(w http.ResponseWriter, r *http.Request, rec interface{}, config RecoveryConfig) {
	var stackTrace string
	if config.EnableStackTrace {
		stackTrace = string(debug.Stack())
	}
	logPanic(r, rec, stackTrace, config.Logger)

	w.Header().Set("Content-Type", config.ResponseContentType)
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusInternalServerError)
	if config.ResponseMessage != "" {
		_, _ = w.Write([]byte(config.ResponseMessage))
	}
}

func logPanic(r *http.Request, rec interface{}, stackTrace string, log logger.Logger) {
	if log == nil {
		return
	}

	fields := []logger.LogField{
		logger.StringField("panic_error", fmt.Sprintf("%v", rec)),
		logger.HTTPMethodField(r.Method),
		logger.HTTPPathField(r.URL.Path),
		logger.ClientIPField(clientIP(r)),
		logger.StringField("user_agent", r.UserAgent()),
	}
	if id := logger.GetCorrelationIDFromContext(r.Context()); id != "" {
		fields = append(fields, logger.CorrelationIDField(id))
	}
	if stackTrace != "" {
		fields = append(fields, logger.StringField("stack_trace", stackTrace))
	}
	if r.URL.RawQuery != "" {
		fields = append(fields, logger.StringField("query_params", r.URL.RawQuery))
	}

	log.Error("HTTP request panic recovered", fields...)
}

// ErrorLogging logs every response with a 4xx or 5xx status.
func ErrorLogging(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if wrapped.statusCode < 400 || log == nil {
				return
			}
			fields := []logger.LogField{
				logger.HTTPStatusField(wrapped.statusCode),
				logger.HTTPMethodField(r.Method),
				logger.HTTPPathField(r.URL.Path),
				logger.ClientIPField(clientIP(r)),
			}
			message := fmt.Sprintf("HTTP %d response", wrapped.statusCode)
			if wrapped.statusCode >= 500 {
				log.Error(message, fields...)
			} else {
				log.Warn(message, fields...)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// clientIP extracts the real client IP from various headers
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
