// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// StreamRequest is a validated caller request for an upstream resource.
type StreamRequest struct {
	Method string
	// RawURL is the target exactly as the caller supplied it. Cache and
	// classification rules inspect this form.
	RawURL string
	Target *url.URL
	// Range is the inbound Range header, forwarded verbatim when non-empty.
	Range string
	// ProxyOrigin is scheme://host of this proxy as the caller sees it.
	ProxyOrigin string
	// ProxyPath is the stream route the caller used.
	ProxyPath string
}

// StreamResponse is the response to be written back to the caller.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
