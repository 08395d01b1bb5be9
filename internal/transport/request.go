package transport

import (
	"net/http"
	"net/url"
)

// Request is the prepared shape of an endpoint fetch: the URL, the headers
// (after authentication is applied), and the merged query parameters.
// Pagination strategies derive every page request from it.
type Request struct {
	URL     string
	Headers http.Header
	Params  url.Values
}

// NewRequest builds a Request with initialized header and param maps.
func NewRequest(rawURL string) *Request {
	return &Request{
		URL:     rawURL,
		Headers: make(http.Header),
		Params:  make(url.Values),
	}
}

// Clone deep-copies the request so a strategy can mutate params per page.
func (r *Request) Clone() *Request {
	clone := &Request{
		URL:     r.URL,
		Headers: r.Headers.Clone(),
		Params:  make(url.Values, len(r.Params)),
	}
	if clone.Headers == nil {
		clone.Headers = make(http.Header)
	}
	for k, vs := range r.Params {
		clone.Params[k] = append([]string(nil), vs...)
	}
	return clone
}
