package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/model"
	"iot-relay/internal/service"
)

// APIHandler forwards /api/* calls to the IoT API.
type APIHandler struct {
	service *service.APIService
	logger  *slog.Logger
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(svc *service.APIService, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		service: svc,
		logger:  logger.With("component", "api_handler"),
	}
}

// Handle relays the request and writes the JSON answer, including upstream
// error statuses, back to the client.
func (h *APIHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(&model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	if err := c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, resp.Body); err != nil && !isPeerDisconnect(err) {
		return err
	}
	return nil
}

func (h *APIHandler) mapError(c echo.Context, err error) error {
	if clientGone(c, err) {
		h.logger.Debug("client disconnected before api answered", "path", c.Request().URL.Path)
		return nil
	}

	h.logger.Error("api relay error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return writeBadGateway(c, upstreamMessage(err))
}
