package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/client"
	"iot-relay/internal/config"
	"iot-relay/internal/service"
)

func newTestAPIHandler(t *testing.T, cfg *config.Config) *APIHandler {
	t.Helper()
	logger := newTestLogger()
	svc, err := service.NewAPIService(client.NewUpstream(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewAPIService: %v", err)
	}
	return NewAPIHandler(svc, logger)
}

func TestAPIHandler_Handle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/devices/actions" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1.0/devices/actions")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer abc")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"devices":[]}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Set-Cookie", "upstream=1")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestAPIHandler(t, newTestConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1.0/devices/actions", strings.NewReader(`{"devices":[]}`))
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("upstream Set-Cookie should not reach the client")
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAPIHandler_UpstreamErrorNormalized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "forbidden")
	}))
	defer upstream.Close()

	h := newTestAPIHandler(t, newTestConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1.0/user/info", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	if body["message"] != "forbidden" {
		t.Errorf("message = %q, want %q", body["message"], "forbidden")
	}
}

func TestAPIHandler_UpstreamUnreachable(t *testing.T) {
	h := newTestAPIHandler(t, newTestConfig("http://127.0.0.1:1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1.0/scenarios/1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message")
	}
}
