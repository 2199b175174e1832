// Package playlist detects and rewrites HLS playlists so that every URI
// they reference is fetched back through the proxy.
package playlist

import "strings"

// ContentType is the media type served for rewritten playlists.
const ContentType = "application/vnd.apple.mpegurl"

var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
}

// IsPlaylist reports whether a response should be treated as an HLS
// playlist. Either signal is enough: a playlist Content-Type, or ".m3u8"
// anywhere in the target URL. Both checks ignore case.
func IsPlaylist(contentType, targetURL string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range playlistContentTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(targetURL), ".m3u8")
}
