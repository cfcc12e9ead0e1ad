package service

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingURL is returned when a stream request has no target URL.
	ErrMissingURL = errors.New("Missing url parameter") //nolint:staticcheck // sent verbatim as the 400 body

	// ErrInvalidURL is returned when the target is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url parameter")

	// ErrManifestTooLarge is returned when a playlist exceeds stream.max_manifest_bytes.
	ErrManifestTooLarge = errors.New("upstream playlist too large")
)

// UpstreamStatusError reports a stream upstream that answered with an HTTP error.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}
