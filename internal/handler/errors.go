package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/labstack/echo/v4"

	"iot-relay/internal/client"
	"iot-relay/internal/service"
)

// clientGone reports whether err came from the client side of the relay: a
// write to the client failed because it hung up, or its request context ended.
// Resets from the upstream side are not the client's doing.
func clientGone(c echo.Context, err error) bool {
	var we *writeError
	if errors.As(err, &we) {
		return isPeerDisconnect(we.err)
	}
	return c.Request().Context().Err() != nil
}

// isPeerDisconnect reports whether a write error means the peer went away.
func isPeerDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// upstreamMessage turns a relay failure into the text of a 502 body.
func upstreamMessage(err error) string {
	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Error()
	}

	if errors.Is(err, service.ErrManifestTooLarge) {
		return service.ErrManifestTooLarge.Error()
	}

	if errors.Is(err, client.ErrHeaderTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream connection failed"
	}

	return "upstream request failed"
}

// writeBadGateway sends {"error": msg} with status 502. A client that is
// already gone is not an error.
func writeBadGateway(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	if err := c.JSON(http.StatusBadGateway, map[string]string{"error": msg}); err != nil && !isPeerDisconnect(err) {
		return err
	}
	return nil
}
