package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/text/encoding/unicode"

	"iot-relay/internal/client"
	"iot-relay/internal/config"
	"iot-relay/internal/hls"
	"iot-relay/internal/metrics"
	"iot-relay/internal/model"
)

// StreamService relays HLS playlists and media segments from arbitrary hosts.
type StreamService struct {
	client  *client.Upstream
	cfg     *config.StreamConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStreamService creates a StreamService. The metrics parameter may be nil.
func NewStreamService(c *client.Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *StreamService {
	return &StreamService{
		client:  c,
		cfg:     &cfg.Stream,
		logger:  logger.With("component", "stream_service"),
		metrics: m,
	}
}

// Open fetches sr.TargetURL and decides how it is relayed.
//
// Playlists are read in full and returned rewritten in Manifest. Anything else
// is returned with a lazy Body that the caller must close. Upstream HTTP
// errors are reported as *UpstreamStatusError.
func (s *StreamService) Open(sr *model.StreamRequest) (*model.StreamResponse, error) {
	if sr.TargetURL == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(sr.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, sr.TargetURL)
	}

	header := make(http.Header)
	header.Set("User-Agent", s.cfg.UserAgent)
	if sr.Range != "" {
		header.Set("Range", sr.Range)
	}

	resp, err := s.client.Fetch(sr.Ctx, &model.FetchRequest{
		Method:        http.MethodGet,
		URL:           sr.TargetURL,
		Header:        header,
		HeaderTimeout: s.cfg.Timeout(),
		Target:        "stream",
	})
	if err != nil {
		return nil, fmt.Errorf("fetch stream: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		_ = resp.Body.Close()
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
	}

	if hls.IsManifest(resp.Header.Get("Content-Type"), sr.TargetURL) {
		return s.manifest(resp, sr.TargetURL)
	}
	return s.segment(resp, sr.TargetURL), nil
}

func (s *StreamService) manifest(resp *model.UpstreamResponse, fetchedFrom string) (*model.StreamResponse, error) {
	defer func() { _ = resp.Body.Close() }()

	limit := s.cfg.MaxManifestBytes
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrManifestTooLarge, limit)
	}

	// Undecodable bytes become U+FFFD instead of failing the request.
	text, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	info := hls.Inspect(string(text))
	rewritten := hls.Rewrite(string(text), fetchedFrom)

	s.logger.Debug("playlist rewritten",
		"playlist", info.Kind,
		"entries", info.Entries,
		"bytes_in", len(raw),
		"bytes_out", len(rewritten),
	)
	if s.metrics != nil {
		s.metrics.ManifestRewrites.WithLabelValues(info.Kind).Inc()
	}

	header := make(http.Header)
	header.Set("Content-Type", hls.ManifestContentType)
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Cache-Control", "no-cache")

	return &model.StreamResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Manifest:   []byte(rewritten),
	}, nil
}

func (s *StreamService) segment(resp *model.UpstreamResponse, target string) *model.StreamResponse {
	header := make(http.Header)
	header.Set("Content-Type", hls.ContentTypeFor(target, resp.Header.Get("Content-Type")))
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Cache-Control", "no-cache")
	header.Set("Accept-Ranges", "bytes")

	if v := resp.Header.Get("Content-Length"); v != "" {
		header.Set("Content-Length", v)
	} else if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if v := resp.Header.Get("Content-Range"); v != "" {
		header.Set("Content-Range", v)
	}

	return &model.StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}
}
