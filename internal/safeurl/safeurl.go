// Package safeurl guards against SSRF by restricting outbound requests
// (stream proxying, format probing) to http(s) schemes only.
package safeurl

import "net/url"

// IsHTTPOrHTTPS reports whether u is a valid URL with scheme http or
// https. Used to reject file://, ftp://, and other schemes that could
// lead to SSRF or local file access when proxying an upstream URI
// supplied via channel configuration.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		return parsed.Host != ""
	default:
		return false
	}
}
