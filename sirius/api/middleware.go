package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/SiriusScan/codescan/sirius/store"
)

// APIKeyHeader carries the client's key.
const APIKeyHeader = "X-API-Key"

func requireAPIKey(keys store.KVStore, static []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(APIKeyHeader)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing "+APIKeyHeader+" header")
				return
			}
			for _, k := range static {
				if subtle.ConstantTimeCompare([]byte(k), []byte(raw)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keys != nil {
				_, err := store.ValidateAPIKey(r.Context(), keys, raw)
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				if !errors.Is(err, store.ErrInvalidAPIKey) {
					logger.Error("API key lookup failed", "error", err)
					writeError(w, http.StatusServiceUnavailable, "key validation unavailable")
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "invalid API key")
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
