package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/client"
	"iot-relay/internal/config"
	"iot-relay/internal/metrics"
	"iot-relay/internal/service"
)

func newTestConfig(apiURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{StaticRoot: "."},
		API: config.APIConfig{
			BaseURL:             apiURL,
			UserAgent:           "test-app/1.0",
			AcceptLanguage:      "ru-RU,ru;q=0.9",
			ReadTimeoutSeconds:  5,
			WriteTimeoutSeconds: 5,
		},
		Stream: config.StreamConfig{
			TimeoutSeconds:   5,
			UserAgent:        "test-player/1.0",
			ChunkSizeBytes:   16,
			MaxManifestBytes: 1024 * 1024,
		},
		Upstream: config.UpstreamConfig{IdleConnections: 10},
		Metrics:  config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStreamHandler(cfg *config.Config, m *metrics.Metrics) *StreamHandler {
	logger := newTestLogger()
	uc := client.NewUpstream(cfg, logger, m)
	return NewStreamHandler(service.NewStreamService(uc, cfg, logger, m), cfg, logger, m)
}

func streamPath(target string) string {
	return "/api/stream?url=" + url.QueryEscape(target)
}

func TestStreamHandler_MissingURL(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	h := newTestStreamHandler(newTestConfig(upstream.URL), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "Missing url parameter" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "Missing url parameter")
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream called %d times, want 0", n)
	}
}

func TestStreamHandler_Manifest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:4,\nseg0.ts\n")
	}))
	defer upstream.Close()

	h := newTestStreamHandler(newTestConfig(""), nil)

	e := echo.New()
	target := upstream.URL + "/live/index.m3u8"
	req := httptest.NewRequest(http.MethodGet, streamPath(target), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	want := "#EXTM3U\n#EXTINF:4,\n" + streamPath(upstream.URL+"/live/seg0.ts") + "\n"
	want = strings.ReplaceAll(want, "+", "%20")
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestStreamHandler_Segment(t *testing.T) {
	payload := strings.Repeat("0123456789", 10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-99" {
			t.Errorf("Range = %q, want %q", got, "bytes=0-99")
		}
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestStreamHandler(newTestConfig(""), m)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/v/init.mp4"), http.NoBody)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q, want %q", rec.Body.String(), payload)
	}

	wantHeaders := map[string]string{
		"Content-Type":                "video/mp4",
		"Content-Range":               "bytes 0-99/1000",
		"Content-Length":              "100",
		"Accept-Ranges":               "bytes",
		"Cache-Control":               "no-cache",
		"Access-Control-Allow-Origin": "*",
	}
	for k, v := range wantHeaders {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}

	if got := counterValue(t, m, "iot_relay_stream_bytes_total", "kind", "segment"); got != float64(len(payload)) {
		t.Errorf("stream bytes = %v, want %d", got, len(payload))
	}
}

func TestStreamHandler_UpstreamFailures(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()

	tests := []struct {
		name    string
		target  string
		wantMsg string
	}{
		{"http error", notFound.URL + "/seg.ts", "upstream returned HTTP 404"},
		{"connection refused", "http://127.0.0.1:1/seg.ts", "upstream connection failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestStreamHandler(newTestConfig(""), nil)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, streamPath(tt.target), http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

// brokenPipeWriter accepts okWrites writes and then fails like a closed socket.
type brokenPipeWriter struct {
	header   http.Header
	status   int
	written  int
	okWrites int
	writes   int
}

func (w *brokenPipeWriter) Header() http.Header { return w.header }

func (w *brokenPipeWriter) WriteHeader(status int) { w.status = status }

func (w *brokenPipeWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.okWrites {
		return 0, syscall.EPIPE
	}
	w.written += len(p)
	return len(p), nil
}

func TestStreamHandler_ClientDisconnect(t *testing.T) {
	payload := strings.Repeat("x", 1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestStreamHandler(newTestConfig(""), m)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, streamPath(upstream.URL+"/v/seg.ts"), http.NoBody)
	w := &brokenPipeWriter{header: make(http.Header), okWrites: 1}
	c := e.NewContext(req, w)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v, want nil for a client disconnect", err)
	}

	if w.status != http.StatusOK {
		t.Errorf("status = %d, want %d", w.status, http.StatusOK)
	}
	if w.written == 0 || w.written > 16 {
		t.Errorf("written = %d, want one chunk of at most 16 bytes", w.written)
	}
	// One successful chunk, one failed write, nothing after.
	if w.writes != 2 {
		t.Errorf("writes = %d, want 2", w.writes)
	}
	if got := counterValue(t, m, "iot_relay_stream_client_disconnects_total", "", ""); got != 1 {
		t.Errorf("client disconnects = %v, want 1", got)
	}
}

func TestCopyChunks(t *testing.T) {
	var sb strings.Builder
	flushes := 0
	n, err := copyChunks(&sb, strings.NewReader("abcdefghij"), func() error { flushes++; return nil }, 4)
	if err != nil {
		t.Fatalf("copyChunks() error = %v", err)
	}
	if n != 10 || sb.String() != "abcdefghij" {
		t.Errorf("copied %d bytes %q, want 10 bytes %q", n, sb.String(), "abcdefghij")
	}
	if flushes != 3 {
		t.Errorf("flushes = %d, want 3", flushes)
	}
}

func TestCopyChunks_ErrorSides(t *testing.T) {
	readErr := errors.New("upstream reset")

	_, err := copyChunks(io.Discard, io.MultiReader(strings.NewReader("abc"), errReader{readErr}), nil, 2)
	var we *writeError
	if errors.As(err, &we) {
		t.Errorf("read failure reported as write error: %v", err)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("error = %v, want %v", err, readErr)
	}

	w := &brokenPipeWriter{header: make(http.Header)}
	_, err = copyChunks(w, strings.NewReader("abc"), nil, 2)
	if !errors.As(err, &we) {
		t.Fatalf("error = %v, want *writeError", err)
	}
	if !isPeerDisconnect(err) {
		t.Errorf("isPeerDisconnect(%v) = false, want true", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// counterValue returns the value of a counter, optionally selected by one label.
func counterValue(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
