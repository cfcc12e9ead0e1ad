package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-relay/internal/config"
	"iot-relay/internal/hls"
	"iot-relay/internal/metrics"
	"iot-relay/internal/service"
)

const streamRoute = hls.StreamPath

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics parameter may be nil.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	api *APIHandler,
	stream *StreamHandler,
	static *StaticHandler,
	health *HealthHandler,
	m *metrics.Metrics,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.GET(streamRoute, stream.Handle)

	apiRoutes := service.APIPrefix + "/*"
	e.GET(apiRoutes, api.Handle)
	e.POST(apiRoutes, api.Handle)
	e.DELETE(apiRoutes, api.Handle)

	// Other methods on static paths get 405 from the router.
	e.GET("/*", static.Handle)
}
