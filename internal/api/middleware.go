package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	placeholderPath = "/placeholder.png"
	wsPath          = "/ws"
	eventsPath      = "/api/v1/events"
)

// requestLogger logs each request when it completes. The placeholder is
// fetched once per blocked image and only shows at debug level; the
// protocol socket and the event stream also log when they open.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		if r.URL.Path == wsPath || r.URL.Path == eventsPath {
			slog.Info("Stream opened", "path", r.URL.Path, "remote", r.RemoteAddr, "request_id", reqID)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == placeholderPath {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}
