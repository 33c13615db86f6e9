package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyKind(t *testing.T) {
	cases := map[string]Kind{
		"https://example.com/stream.m3u8": KindHLS,
		"https://example.com/stream.mpd":  KindDASH,
		"https://example.com/stream.ts":   KindTS,
		"rtsp://example.com/live":         KindRTSP,
		"rtmp://example.com/live":         KindRTMP,
		"udp://239.1.1.1:1234":            KindUDP,
		"mms://example.com/live":          KindMMS,
		"srt://example.com:9000":          KindSRT,
		"https://example.com/index.html":  KindDirect,
	}
	for uri, want := range cases {
		require.Equal(t, want, classifyKind(uri), uri)
	}
}

func TestHasTokenAuth(t *testing.T) {
	require.True(t, hasTokenAuth("https://example.com/stream.m3u8?token=abc"))
	require.True(t, hasTokenAuth("https://example.com/stream.m3u8?signature=abc&expires=123"))
	require.False(t, hasTokenAuth("https://example.com/stream.m3u8"))
}

func TestIsCDNBacked(t *testing.T) {
	require.True(t, isCDNBacked("https://foo.cloudfront.net/x.m3u8"))
	require.True(t, isCDNBacked("https://example.com/hls/stream.m3u8"))
	require.False(t, isCDNBacked("https://example.com/x.m3u8"))
}

func TestSelectMethods_TokenAndComplex(t *testing.T) {
	p := Profile{HasTokenAuth: true, PlaylistComplexity: ComplexityComplex}
	methods := selectMethods(p)
	require.Equal(t, []string{"master-playlist-direct", "minimal-intervention"}, methods)
}

func TestSelectMethods_AlwaysAppendsFallback(t *testing.T) {
	p := Profile{IsCDNBacked: true, PlaylistComplexity: ComplexitySimple}
	methods := selectMethods(p)
	require.Contains(t, methods, "minimal-intervention")
}

func TestAnalyze_UnreachableHostReturnsConservativeProfile(t *testing.T) {
	a := New()
	profile := a.Analyze(context.Background(), "https://nonexistent.invalid.example/stream.m3u8")
	require.True(t, profile.RequiresSpecialHandling)
	require.Equal(t, ConfidenceLow, profile.Confidence)
}

func TestAnalyze_MemoizesResult(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Method == http.MethodGet {
			w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New()
	uri := srv.URL + "/stream.m3u8"
	p1 := a.Analyze(context.Background(), uri)
	p2 := a.Analyze(context.Background(), uri)
	require.Equal(t, p1, p2)
	require.Equal(t, 2, hits, "second Analyze call should hit the memoization cache, not the network")
}
