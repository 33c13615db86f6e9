// Package httpclient provides the shared HTTP client used by the Stream
// Format Analyzer (C1) for format probes: retry-with-backoff policy and
// brotli response decoding (some CDN-fronted playlist origins only
// negotiate br, not gzip).
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Default returns a client tuned for short-lived probe requests with
// bounded dial/TLS handshake timeouts. It follows redirects under Go's
// default policy (at most 10); NoRedirectClient is the variant for
// callers that observe redirects themselves.
func Default() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 8 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}
}

// NoRedirectClient returns a client identical to Default but that never
// follows redirects, used by C1's redirect probe (spec §4.1 step 4).
func NoRedirectClient() *http.Client {
	c := Default()
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}
