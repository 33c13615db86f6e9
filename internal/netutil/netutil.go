// Package netutil provides network helpers shared by the Device
// Emulator (C7) and Plex-Compat Surface (C8): advertised-base-URL
// resolution (the two surfaces must never disagree, per spec §9) and
// URL sanitization for safe logging, grounded on the teacher's
// core/urlutil package.
package netutil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// AdvertisedHostConfig carries the inputs for base-URL resolution, in
// the precedence order spec §9 resolves the Open Question into:
// explicit setting > environment override > config file value >
// first non-internal IPv4 > Host header > localhost:<port>.
type AdvertisedHostConfig struct {
	// ExplicitSetting is an advertised host set directly on the
	// component (e.g. via a constructor field), highest precedence.
	ExplicitSetting string
	// EnvVar is the environment variable name to consult next.
	EnvVar string
	// FileValue is the value loaded from the config file.
	FileValue string
	// Port is appended to the resolved host if it lacks one.
	Port int
}

// AdvertisedBaseURL resolves the base URL both C7 and C8 advertise to
// Plex, using the single shared precedence order so the two surfaces
// cannot diverge.
func AdvertisedBaseURL(cfg AdvertisedHostConfig, r *http.Request) string {
	host := strings.TrimSpace(cfg.ExplicitSetting)
	if host == "" && cfg.EnvVar != "" {
		host = strings.TrimSpace(os.Getenv(cfg.EnvVar))
	}
	if host == "" {
		host = strings.TrimSpace(cfg.FileValue)
	}
	if host == "" {
		host = firstNonInternalIPv4()
	}
	if host == "" && r != nil {
		host = r.Host
	}
	if host == "" {
		host = fmt.Sprintf("localhost:%d", cfg.Port)
	}

	return normalizeBaseURL(host, cfg.Port)
}

func normalizeBaseURL(host string, port int) string {
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err == nil && u.Host != "" {
			if u.Port() == "" && port != 0 {
				u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
			}
			return strings.TrimRight(u.String(), "/")
		}
	}

	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
		if port != 0 {
			host = fmt.Sprintf("%s:%d", hostname, port)
		}
	}
	return "http://" + host
}

func firstNonInternalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		return ip4.String()
	}
	return ""
}

// SanitizeURL removes user info and query parameters from rawURL for
// safe logging (auth tokens frequently ride in stream query strings).
func SanitizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	return parsed.String()
}
