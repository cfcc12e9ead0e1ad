// Package service implements the API relay and the stream relay.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"iot-relay/internal/client"
	"iot-relay/internal/config"
	"iot-relay/internal/model"
)

// APIPrefix is the local path prefix stripped before forwarding.
const APIPrefix = "/api"

// APIService forwards JSON API calls to the configured IoT API host.
type APIService struct {
	client  *client.Upstream
	cfg     *config.APIConfig
	logger  *slog.Logger
	baseURL string
}

// NewAPIService creates an APIService.
func NewAPIService(c *client.Upstream, cfg *config.Config, logger *slog.Logger) (*APIService, error) {
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base_url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""

	return &APIService{
		client:  c,
		cfg:     &cfg.API,
		logger:  logger.With("component", "api_service"),
		baseURL: strings.TrimSuffix(u.String(), "/"),
	}, nil
}

// Forward sends pr to the IoT API and returns the status and body.
//
// Upstream HTTP errors are not Go errors: the status is kept and the body is
// normalized to JSON. A non-nil error means no upstream response was read.
func (s *APIService) Forward(pr *model.ProxyRequest) (*model.APIResponse, error) {
	var body io.Reader
	if pr.Method == http.MethodPost {
		body = pr.Body
	}

	ctx, cancel := context.WithTimeout(pr.Ctx, s.timeoutFor(pr.Method))
	defer cancel()

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Fetch(ctx, &model.FetchRequest{
		Method: pr.Method,
		URL:    s.upstreamURL(pr.Path, pr.RawQuery),
		Header: s.requestHeaders(pr.Header),
		Body:   body,
		Target: "api",
	})
	if err != nil {
		return nil, fmt.Errorf("forward to api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read api response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Debug("api returned error",
			"status", resp.StatusCode,
			"path", pr.Path,
		)
		data = normalizeErrorBody(resp.StatusCode, data)
	}

	return &model.APIResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func (s *APIService) upstreamURL(path, rawQuery string) string {
	u := s.baseURL + strings.TrimPrefix(path, APIPrefix)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (s *APIService) requestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	if auth := src.Get("Authorization"); auth != "" {
		dst.Set("Authorization", auth)
	}
	dst.Set("Content-Type", "application/json")
	dst.Set("User-Agent", s.cfg.UserAgent)
	dst.Set("X-Request-Id", uuid.NewString())
	dst.Set("Accept-Language", s.cfg.AcceptLanguage)
	return dst
}

// normalizeErrorBody keeps valid JSON as is and wraps anything else as
// {"message": ...}.
func normalizeErrorBody(status int, body []byte) []byte {
	if json.Valid(body) {
		return body
	}

	// json.Marshal replaces invalid UTF-8 with U+FFFD.
	msg := string(body)
	if msg == "" {
		msg = "Error " + strconv.Itoa(status)
	}
	out, err := json.Marshal(map[string]string{"message": msg})
	if err != nil {
		return []byte(`{"message":"Error"}`)
	}
	return out
}

// timeoutFor returns the write timeout for POST and the read timeout otherwise.
func (s *APIService) timeoutFor(method string) time.Duration {
	if method == http.MethodPost {
		return s.cfg.WriteTimeout()
	}
	return s.cfg.ReadTimeout()
}
