package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/config"
	"iot-relay/internal/metrics"
	"iot-relay/internal/model"
	"iot-relay/internal/service"
)

// StreamHandler relays HLS playlists and media segments.
type StreamHandler struct {
	service   *service.StreamService
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewStreamHandler creates a StreamHandler. The metrics parameter may be nil.
func NewStreamHandler(svc *service.StreamService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		service:   svc,
		chunkSize: cfg.Stream.ChunkSizeBytes,
		logger:    logger.With("component", "stream_handler"),
		metrics:   m,
	}
}

// Handle serves GET /api/stream?url=<target>.
func (h *StreamHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Open(&model.StreamRequest{
		Ctx:       req.Context(),
		TargetURL: c.QueryParam("url"),
		Range:     req.Header.Get("Range"),
	})
	if err != nil {
		return h.mapError(c, err)
	}

	out := c.Response()
	for key, vals := range resp.Header {
		out.Header()[key] = vals
	}

	if resp.Body == nil {
		out.WriteHeader(resp.StatusCode)
		n, err := out.Write(resp.Manifest)
		h.countBytes("manifest", int64(n))
		if err != nil {
			h.writeFailed(c, err)
		}
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	out.WriteHeader(resp.StatusCode)
	flush := http.NewResponseController(out.Writer).Flush
	n, err := copyChunks(out, resp.Body, flush, h.chunkSize)
	h.countBytes("segment", n)
	if err == nil {
		return nil
	}

	var we *writeError
	switch {
	case clientGone(c, err):
		h.logger.Debug("client disconnected mid-stream", "err", err)
		h.countDisconnect()
	case errors.As(err, &we):
		h.writeFailed(c, err)
	default:
		// Headers are already out; the client sees a short body.
		h.logger.Warn("upstream body ended early",
			"err", err,
			"bytes", n,
		)
	}
	return nil
}

func (h *StreamHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingURL), errors.Is(err, service.ErrInvalidURL):
		h.logger.Debug("bad stream request", "err", err)
		return c.String(http.StatusBadRequest, err.Error())

	case clientGone(c, err):
		h.logger.Debug("client disconnected before upstream answered")
		h.countDisconnect()
		return nil
	}

	h.logger.Error("stream relay error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return writeBadGateway(c, upstreamMessage(err))
}

// writeFailed handles an error writing to the client. Disconnects end the
// stream quietly.
func (h *StreamHandler) writeFailed(c echo.Context, err error) {
	if isPeerDisconnect(err) {
		h.logger.Debug("client disconnected mid-stream", "err", err)
		h.countDisconnect()
		return
	}
	h.logger.Warn("writing stream to client",
		"err", err,
		"path", c.Request().URL.Path,
	)
}

func (h *StreamHandler) countBytes(kind string, n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.StreamBytes.WithLabelValues(kind).Add(float64(n))
	}
}

func (h *StreamHandler) countDisconnect() {
	if h.metrics != nil {
		h.metrics.ClientDisconnects.Inc()
	}
}

// writeError marks a failure on the client side of a copy.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return "write to client: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// copyChunks copies src to dst in chunks of size bytes, flushing after each
// one. Errors from dst are returned as *writeError.
func copyChunks(dst io.Writer, src io.Reader, flush func() error, size int) (int64, error) {
	if size <= 0 {
		size = 64 * 1024
	}
	buf := make([]byte, size)

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, &writeError{err: werr}
			}
			if nw != nr {
				return written, &writeError{err: io.ErrShortWrite}
			}
			if flush != nil {
				if ferr := flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
					return written, &writeError{err: ferr}
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
