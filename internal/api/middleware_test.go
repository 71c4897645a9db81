package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestRequestLoggerLevels(t *testing.T) {
	buf := captureLogs(t)
	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, placeholderPath, nil))
	if buf.Len() != 0 {
		t.Fatalf("placeholder request logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if out := buf.String(); !strings.Contains(out, `msg="HTTP request"`) || !strings.Contains(out, "status=418") {
		t.Fatalf("log = %q; want completed request with status", out)
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, eventsPath, nil))
	if out := buf.String(); !strings.Contains(out, `msg="Stream opened"`) {
		t.Fatalf("log = %q; want stream open line", out)
	}
}
