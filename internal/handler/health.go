package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// statusResponse is the body of GET /proxy/status.
type statusResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	APIURL     string `json:"api_url"`
	StreamPath string `json:"stream_path"`
	TLSVerify  bool   `json:"tls_verify"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and where the relay forwards to.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		APIURL:     h.cfg.API.BaseURL,
		StreamPath: streamRoute,
		TLSVerify:  h.cfg.Upstream.TLSVerify,
	})
}
