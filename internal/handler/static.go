package handler

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/config"
)

// staticTypes maps file extensions to the Content-Type served for them.
var staticTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
}

// StaticHandler serves the browser client from a local directory.
type StaticHandler struct {
	root   string
	logger *slog.Logger
}

// NewStaticHandler creates a StaticHandler rooted at server.static_root.
func NewStaticHandler(cfg *config.Config, logger *slog.Logger) *StaticHandler {
	return &StaticHandler{
		root:   cfg.Server.StaticRoot,
		logger: logger.With("component", "static_handler"),
	}
}

// Handle serves the file named by the request path. "/" is index.html.
// Lookups cannot leave the root; missing files and directories are 404.
func (h *StaticHandler) Handle(c echo.Context) error {
	name := strings.TrimPrefix(path.Clean("/"+c.Request().URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	f, err := os.OpenInRoot(h.root, name)
	if err != nil {
		h.logger.Debug("static file not found", "name", name, "err", err)
		return c.String(http.StatusNotFound, "File not found")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return c.String(http.StatusNotFound, "File not found")
	}

	contentType, ok := staticTypes[strings.ToLower(path.Ext(name))]
	if !ok {
		contentType = echo.MIMEOctetStream
	}

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size(), 10))
	return c.Stream(http.StatusOK, contentType, f)
}
