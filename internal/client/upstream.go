// Package client provides the outbound HTTP client used by both relays.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"iot-relay/internal/config"
	"iot-relay/internal/metrics"
	"iot-relay/internal/model"
)

// ErrHeaderTimeout is returned when upstream response headers do not arrive
// within FetchRequest.HeaderTimeout.
var ErrHeaderTimeout = errors.New("timed out waiting for upstream response headers")

// Upstream sends requests to the IoT API and to arbitrary stream hosts.
type Upstream struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Segments are relayed byte for byte; transparent gzip would drop
		// Content-Length and break Content-Range passthrough.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Upstream.TLSVerify, //nolint:gosec // operator-controlled, see upstream.tls_verify
		},
	}

	return &Upstream{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Fetch executes fr and returns the response with a lazy body.
// The caller is responsible for closing the body; closing it releases the
// connection. The context controls the whole exchange, so a client
// disconnect cancels the upstream request as well.
func (c *Upstream) Fetch(ctx context.Context, fr *model.FetchRequest) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, fr.Method, fr.URL, fr.Body)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if fr.Header != nil {
		req.Header = fr.Header
	}

	c.logger.Debug("upstream request",
		"target", fr.Target,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	var timer *time.Timer
	if fr.HeaderTimeout > 0 {
		timer = time.AfterFunc(fr.HeaderTimeout, func() { cancel(ErrHeaderTimeout) })
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if timer != nil && !timer.Stop() && err == nil {
		// Headers and the deadline raced; the context is already canceled.
		_ = resp.Body.Close()
		err = ErrHeaderTimeout
	}

	method := metrics.NormalizeMethod(fr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(fr.Target, method).Observe(duration)
	}

	if err != nil {
		if errors.Is(context.Cause(ctx), ErrHeaderTimeout) && !errors.Is(err, ErrHeaderTimeout) {
			err = fmt.Errorf("%w: %w", ErrHeaderTimeout, err)
		}
		cancel(nil)
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamResponses.WithLabelValues(fr.Target, method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &releasingBody{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// releasingBody cancels the per-fetch context once the body is closed.
type releasingBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
