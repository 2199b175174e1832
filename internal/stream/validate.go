// Package stream validates inbound stream requests and derives the
// caller-facing origin used when rewriting playlists.
package stream

import (
	"net/http"
	"net/url"

	"hls-stream-proxy/internal/model"
)

// MaxURLLength is the longest target URL accepted, in bytes.
const MaxURLLength = 6000

// Stream routes. Rewritten playlists point back at whichever one the caller used.
const (
	PathStream    = "/stream"
	PathAPIStream = "/api/proxy/stream"
)

// ValidationError rejects a request before any upstream fetch.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	errMethodNotAllowed = &ValidationError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	errURLRequired      = &ValidationError{Status: http.StatusBadRequest, Message: "URL is required"}
	errURLTooLong       = &ValidationError{Status: http.StatusBadRequest, Message: "URL is too long"}
	errInvalidURL       = &ValidationError{Status: http.StatusBadRequest, Message: "Invalid URL"}
)

// Validate checks the method and target URL of a stream request.
// OPTIONS is answered by the caller before validation and is rejected here.
func Validate(method, rawURL string) (*model.StreamRequest, error) {
	switch method {
	case http.MethodGet, http.MethodHead:
	default:
		return nil, errMethodNotAllowed
	}

	if rawURL == "" {
		return nil, errURLRequired
	}
	if len(rawURL) > MaxURLLength {
		return nil, errURLTooLong
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, errInvalidURL
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errInvalidURL
	}
	if target.Hostname() == "" {
		return nil, errInvalidURL
	}

	return &model.StreamRequest{
		Method: method,
		RawURL: rawURL,
		Target: target,
	}, nil
}

// ProxyOrigin returns scheme://host of this proxy as seen by the caller,
// preferring X-Forwarded-Proto and X-Forwarded-Host over the Host header.
func ProxyOrigin(header http.Header, host string) string {
	proto := header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	fwdHost := header.Get("X-Forwarded-Host")
	if fwdHost == "" {
		fwdHost = host
	}
	if fwdHost == "" {
		fwdHost = "localhost"
	}
	return proto + "://" + fwdHost
}

// ProxyPath returns the stream route rewritten URLs should target.
func ProxyPath(path string) string {
	if path == PathAPIStream {
		return PathAPIStream
	}
	return PathStream
}
