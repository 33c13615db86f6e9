// Package analyzer implements the Stream Format Analyzer (C1): it
// classifies an upstream URI and produces a handling profile the
// Transcoder Supervisor (C2) uses to build its encoder arguments.
//
// Grounded on snapetech-plexTuner's gateway.go scheme/CDN heuristics
// and ts_inspector.go playlist-complexity scanning, generalized to the
// explicit algorithm in spec §4.1, and on the teacher's
// golang.org/x/sync/singleflight usage to dedupe concurrent probes.
package analyzer

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/plexbridge/tunerd/internal/httpclient"
	"github.com/plexbridge/tunerd/internal/safeurl"
)

// Kind is the classified upstream protocol.
type Kind string

const (
	KindHLS    Kind = "hls"
	KindDASH   Kind = "dash"
	KindTS     Kind = "ts"
	KindRTSP   Kind = "rtsp"
	KindRTMP   Kind = "rtmp"
	KindUDP    Kind = "udp"
	KindMMS    Kind = "mms"
	KindSRT    Kind = "srt"
	KindDirect Kind = "http"
)

// Complexity classifies an HLS master/media playlist's structural markers.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Confidence reflects how much the analyzer trusts its classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "med"
	ConfidenceHigh   Confidence = "high"
)

// Profile is the handling profile spec §4.1 defines.
type Profile struct {
	Kind                    Kind
	RequiresSpecialHandling bool
	HasTokenAuth            bool
	IsCDNBacked             bool
	HasRedirects            bool
	PlaylistComplexity      Complexity
	SupportedMethods        []string
	Confidence              Confidence
}

var tokenAuthParams = []string{"token", "auth", "key", "signature", "expires", "sessionid", "sid", "jwt", "bearer"}

var cdnHostMarkers = []string{"cdn", "edge", "cache", "akamai", "cloudfront", "fastly", "cloudflare", "azure", "amazonaws"}
var cdnPathMarkers = []string{"/hls/", "/dash/", "/playlist/", "/manifest/", "/stream/"}

var complexityMarkers = []string{
	"#EXT-X-STREAM-INF",
	"#EXT-X-KEY",
	"#EXT-X-DISCONTINUITY",
	"#EXT-X-PROGRAM-DATE-TIME",
	"#EXT-X-BYTERANGE",
}

const (
	memoTTL            = 5 * time.Minute
	headProbeTimeout   = 5 * time.Second
	playlistFetchLimit = 256 * 1024
)

// Analyzer classifies upstream URIs and memoizes results for memoTTL.
type Analyzer struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

type cacheEntry struct {
	profile Profile
	at      time.Time
}

// New constructs an Analyzer using httpclient.NoRedirectClient for its
// HEAD probe and httpclient.Default for playlist fetches.
func New() *Analyzer {
	return &Analyzer{
		client: httpclient.NoRedirectClient(),
		cache:  make(map[string]cacheEntry),
	}
}

// Analyze classifies uri, memoizing results for memoTTL and deduping
// concurrent probes of the same URI via singleflight.
func (a *Analyzer) Analyze(ctx context.Context, uri string) Profile {
	a.mu.Lock()
	if entry, ok := a.cache[uri]; ok && time.Since(entry.at) < memoTTL {
		a.mu.Unlock()
		return entry.profile
	}
	a.mu.Unlock()

	v, _, _ := a.group.Do(uri, func() (interface{}, error) {
		profile := a.probe(ctx, uri)
		a.mu.Lock()
		a.cache[uri] = cacheEntry{profile: profile, at: time.Now()}
		a.mu.Unlock()
		return profile, nil
	})
	return v.(Profile)
}

func (a *Analyzer) probe(ctx context.Context, uri string) Profile {
	kind := classifyKind(uri)
	profile := Profile{
		Kind:               kind,
		PlaylistComplexity: ComplexitySimple,
		Confidence:         ConfidenceHigh,
	}

	if !safeurl.IsHTTPOrHTTPS(uri) && kind != KindUDP && kind != KindRTSP && kind != KindRTMP && kind != KindMMS && kind != KindSRT {
		return conservativeProfile(kind)
	}

	profile.HasTokenAuth = hasTokenAuth(uri)
	profile.IsCDNBacked = isCDNBacked(uri)

	if kind == KindHLS || kind == KindDirect || kind == KindDASH {
		hasRedirects, err := a.probeRedirects(ctx, uri)
		if err != nil {
			return conservativeProfile(kind)
		}
		profile.HasRedirects = hasRedirects
	}

	if kind == KindHLS {
		complexity, err := a.probePlaylistComplexity(ctx, uri)
		if err != nil {
			return conservativeProfile(kind)
		}
		profile.PlaylistComplexity = complexity
	}

	profile.SupportedMethods = selectMethods(profile)
	return profile
}

func conservativeProfile(kind Kind) Profile {
	return Profile{
		Kind:                    kind,
		RequiresSpecialHandling: true,
		PlaylistComplexity:      ComplexitySimple,
		SupportedMethods:        []string{"standard-proxy", "direct-passthrough", "minimal-intervention"},
		Confidence:              ConfidenceLow,
	}
}

func classifyKind(rawURI string) Kind {
	lower := strings.ToLower(rawURI)
	u, err := url.Parse(rawURI)
	scheme := ""
	if err == nil {
		scheme = strings.ToLower(u.Scheme)
	}

	switch {
	case strings.HasSuffix(lower, ".m3u8"):
		return KindHLS
	case strings.HasSuffix(lower, ".mpd"):
		return KindDASH
	case strings.HasSuffix(lower, ".ts") || strings.HasSuffix(lower, ".mpegts") || strings.HasSuffix(lower, ".mts"):
		return KindTS
	case scheme == "rtsp":
		return KindRTSP
	case scheme == "rtmp" || scheme == "rtmps":
		return KindRTMP
	case scheme == "udp":
		return KindUDP
	case scheme == "mms":
		return KindMMS
	case scheme == "srt":
		return KindSRT
	default:
		return KindDirect
	}
}

func hasTokenAuth(rawURI string) bool {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}
	lowerPath := strings.ToLower(u.Path)
	for key := range u.Query() {
		lk := strings.ToLower(key)
		for _, marker := range tokenAuthParams {
			if lk == marker {
				return true
			}
		}
	}
	for _, marker := range tokenAuthParams {
		if strings.Contains(lowerPath, marker) {
			return true
		}
	}
	return false
}

func isCDNBacked(rawURI string) bool {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, marker := range cdnHostMarkers {
		if strings.Contains(host, marker) {
			return true
		}
	}
	path := strings.ToLower(u.Path)
	for _, marker := range cdnPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func (a *Analyzer) probeRedirects(ctx context.Context, uri string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, headProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound, nil
}

func (a *Analyzer) probePlaylistComplexity(ctx context.Context, uri string) (Complexity, error) {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return ComplexitySimple, err
	}
	resp, err := httpclient.DoWithRetry(ctx, httpclient.Default(), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return ComplexitySimple, err
	}
	defer resp.Body.Close()

	body := httpclient.DecodeBody(resp)
	limited := &limitedReader{r: body, n: playlistFetchLimit}
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)

	score := 0
	hasEndlist := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, marker := range complexityMarkers {
			if strings.HasPrefix(line, marker) {
				score++
			}
		}
		if strings.HasPrefix(line, "#EXT-X-ENDLIST") {
			hasEndlist = true
		}
	}
	if !hasEndlist {
		score++
	}

	switch {
	case score >= 3:
		return ComplexityComplex, nil
	case score >= 1:
		return ComplexityModerate, nil
	default:
		return ComplexitySimple, nil
	}
}

// selectMethods implements spec §4.1 step 6: first-match-wins method
// selection, always appending minimal-intervention as a fallback.
func selectMethods(p Profile) []string {
	var methods []string
	switch {
	case p.HasTokenAuth && p.PlaylistComplexity == ComplexityComplex:
		methods = []string{"master-playlist-direct", "minimal-intervention"}
	case p.HasTokenAuth:
		methods = []string{"token-preservation", "minimal-intervention"}
	case p.HasRedirects && !p.HasTokenAuth:
		methods = []string{"resolve-redirects", "direct"}
	case p.IsCDNBacked && p.PlaylistComplexity == ComplexitySimple:
		methods = []string{"segment-proxy", "persistent-connections"}
	case p.PlaylistComplexity == ComplexityComplex:
		methods = []string{"enhanced-recovery", "playlist-rewrite"}
	default:
		methods = []string{"standard-proxy", "direct-passthrough"}
	}

	for _, m := range methods {
		if m == "minimal-intervention" {
			return methods
		}
	}
	return append(methods, "minimal-intervention")
}

type limitedReader struct {
	r interface{ Read([]byte) (int, error) }
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errLimitReached
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

var errLimitReached = errBounded("analyzer: playlist fetch limit reached")

type errBounded string

func (e errBounded) Error() string { return string(e) }
