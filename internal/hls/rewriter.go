// Package hls rewrites HLS playlists so that every segment, key and nested
// playlist is fetched back through the relay's stream endpoint.
package hls

import (
	"net/url"
	"regexp"
	"strings"
)

// StreamPath is the relay route that serves proxied playlists and segments.
const StreamPath = "/api/stream"

const proxyPrefix = StreamPath + "?url="

// uriAttr matches URI="..." or URI='...' inside a tag line. RE2 has no
// backreferences, so each quote style is its own alternative.
var uriAttr = regexp.MustCompile(`URI=(?:"([^"']+)"|'([^"']+)')`)

type lineKind int

const (
	lineBlank lineKind = iota
	lineComment
	lineCommentWithURI
	lineReference
)

func classifyLine(line string) lineKind {
	switch {
	case line == "":
		return lineBlank
	case !strings.HasPrefix(line, "#"):
		return lineReference
	case uriAttr.MatchString(line):
		return lineCommentWithURI
	default:
		return lineComment
	}
}

// Rewrite returns content with every reference replaced by a ProxyURL.
// References are resolved against the directory of fetchedFrom. Line order
// and blank lines are preserved; each line is trimmed of surrounding
// whitespace.
func Rewrite(content, fetchedFrom string) string {
	base := BaseURL(fetchedFrom)

	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		switch classifyLine(line) {
		case lineBlank, lineComment:
			lines[i] = line
		case lineReference:
			lines[i] = ProxyURL(line, base)
		case lineCommentWithURI:
			lines[i] = rewriteAttributes(line, base)
		}
	}
	return strings.Join(lines, "\n")
}

// rewriteAttributes replaces the quoted value of every URI attribute on line.
// Matches are applied last to first so earlier offsets stay valid.
func rewriteAttributes(line, base string) string {
	matches := uriAttr.FindAllStringSubmatchIndex(line, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		line = line[:start] + ProxyURL(line[start:end], base) + line[end:]
	}
	return line
}

// BaseURL returns the directory part of a playlist URL: everything up to
// and including the last '/' of the path. Query and fragment are ignored.
func BaseURL(fetchedFrom string) string {
	u := fetchedFrom
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	i := strings.LastIndex(u, "/")
	if i < 0 {
		return ""
	}
	return u[:i+1]
}

// ProxyURL returns the same-origin stream URL for ref. Relative references
// are resolved against base first. References that already point at the
// stream endpoint are returned unchanged.
func ProxyURL(ref, base string) string {
	if strings.HasPrefix(ref, proxyPrefix) {
		return ref
	}
	return proxyPrefix + escape(Resolve(ref, base))
}

// Resolve turns ref into an absolute URL using standard reference
// resolution against base. Absolute http(s) references are returned as is.
func Resolve(ref, base string) string {
	if isAbsolute(ref) || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return base + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base + ref
	}
	return b.ResolveReference(r).String()
}

func isAbsolute(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// escape percent-encodes every reserved character, spaces included, so the
// value survives a query string round trip unambiguously.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
