package hls

import (
	"net/url"
	"strings"
)

const (
	// ManifestContentType is the canonical HLS playlist MIME type.
	ManifestContentType = "application/vnd.apple.mpegurl"

	// SegmentContentType is used for fMP4 media and as the last-resort default.
	SegmentContentType = "video/mp4"

	manifestExt = ".m3u8"
)

// IsManifest reports whether an upstream response is a playlist, judged by
// its Content-Type (application/vnd.apple.mpegurl, audio/x-mpegurl, ...) or
// by a .m3u8 path.
func IsManifest(contentType, rawURL string) bool {
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return true
	}
	return strings.HasSuffix(urlPath(rawURL), manifestExt)
}

// ContentTypeFor picks the Content-Type sent to the client for a binary
// payload. Old Safari builds refuse fMP4 segments served under generic
// types, so the URL wins over what upstream claims.
func ContentTypeFor(rawURL, upstream string) string {
	p := urlPath(rawURL)
	switch {
	case strings.Contains(p, manifestExt):
		return ManifestContentType
	case strings.Contains(p, ".m4s"), strings.Contains(p, "segment"),
		strings.Contains(p, ".mp4"), strings.Contains(p, "init"):
		return SegmentContentType
	case upstream != "":
		return upstream
	default:
		return SegmentContentType
	}
}

// urlPath returns the lower-cased path of rawURL, or the whole string
// lower-cased when it does not parse.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Path)
}
