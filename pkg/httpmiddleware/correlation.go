package httpmiddleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

// CorrelationID assigns every request a fresh correlation id, overwriting any
// client-supplied header, and stores it in the request context.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := uuid.New().String()
			r.Header.Set(logger.CorrelationIDHeader, correlationID)
			w.Header().Set(logger.CorrelationIDHeader, correlationID)

			ctx := logger.WithCorrelationIDContext(r.Context(), correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
