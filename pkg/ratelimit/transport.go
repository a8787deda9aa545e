package ratelimit

import (
	"net/http"
)

// ThrottledTransport is an http.RoundTripper waiting on a Limiter before each request.
type ThrottledTransport struct {
	next    http.RoundTripper
	limiter Limiter
}

// RoundTrip implements the RoundTripper interface for ThrottledTransport.
func (t *ThrottledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, err := t.limiter.Take(req.Context()); err != nil {
		return nil, err
	}

	return t.next.RoundTrip(req)
}

// NewThrottledTransport wraps next so that requests are made according to l.
func NewThrottledTransport(l Limiter, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return &ThrottledTransport{
		next:    next,
		limiter: l,
	}
}
