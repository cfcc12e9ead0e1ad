// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents a client API call to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped request path, including the local /api prefix
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// APIResponse is an API relay result with the body already normalized to JSON.
type APIResponse struct {
	StatusCode int
	Body       []byte
}

// FetchRequest describes a single outbound call.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader

	// HeaderTimeout bounds the wait for response headers only; reading the
	// body afterwards is unbounded. Zero disables it.
	HeaderTimeout time.Duration

	// Target labels the call in metrics ("api" or "stream").
	Target string
}

// UpstreamResponse is the raw result of a fetch. Body must be closed exactly
// once; closing it releases the upstream connection.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// StreamRequest is an inbound request to relay a playlist or media segment.
type StreamRequest struct {
	Ctx       context.Context
	TargetURL string
	Range     string
}

// StreamResponse is what the stream relay sends back to the client.
// Exactly one of Manifest and Body is set.
type StreamResponse struct {
	StatusCode int
	Header     http.Header

	// Manifest holds a fully rewritten playlist.
	Manifest []byte

	// Body streams a binary segment; the caller must close it.
	Body io.ReadCloser
}
