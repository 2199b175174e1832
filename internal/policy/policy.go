// Package policy sets the CORS and cache headers on stream responses.
package policy

import (
	"net/http"
	"strings"
)

// PlaylistCacheControl is applied to every rewritten playlist.
const PlaylistCacheControl = "public, max-age=10, stale-while-revalidate=30"

const (
	segmentCacheControl = "public, max-age=86400, immutable"
	videoCacheControl   = "public, max-age=3600"
)

var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, HEAD, OPTIONS"},
	{"Access-Control-Expose-Headers", "Content-Length, Content-Range, Content-Type, Accept-Ranges"},
}

// ApplyCORS sets the CORS headers, replacing any value copied from upstream.
func ApplyCORS(h http.Header) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
}

// ApplyCache sets Cache-Control for passthrough media by inspecting the
// target URL. Segments get a day and are immutable, whole video files an
// hour. Anything else keeps the upstream value.
func ApplyCache(h http.Header, targetURL string) {
	if cc := CacheControlFor(targetURL); cc != "" {
		h.Set("Cache-Control", cc)
	}
}

// CacheControlFor returns the Cache-Control value for targetURL, or "" when
// no rule matches.
func CacheControlFor(targetURL string) string {
	u := strings.ToLower(targetURL)
	switch {
	case strings.Contains(u, ".ts"), strings.Contains(u, ".m4s"):
		return segmentCacheControl
	case strings.Contains(u, ".mp4"), strings.Contains(u, ".mkv"):
		return videoCacheControl
	}
	return ""
}
