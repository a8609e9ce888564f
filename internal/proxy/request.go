package proxy

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the transport-neutral form of an inbound call. Body is held in
// memory so it can be replayed on retries.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Target     string // host:port that produced the response
	Attempts   int
}

// IsClientError reports a 4xx response, which is returned verbatim and never
// retried.
func (r *Response) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

const pathPlaceholder = "{path}"

// RewritePath applies a rewrite template. "{path}" expands to the original
// path; a template without it replaces the path entirely.
func RewritePath(template, path string) string {
	if template == "" {
		return path
	}
	if !strings.Contains(template, pathPlaceholder) {
		return template
	}

	rewritten := strings.ReplaceAll(template, pathPlaceholder, path)
	return strings.ReplaceAll(rewritten, "//", "/")
}
