package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/plexbridge/tunerd/internal/analyzer"
	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/session"
)

type fakeStore struct {
	entries map[string]catalog.ChannelEntry
}

func (f fakeStore) Get(ctx context.Context, id string) (catalog.ChannelEntry, bool, error) {
	e, ok := f.entries[id]
	return e, ok, nil
}

func (f fakeStore) ListEnabled(ctx context.Context) ([]catalog.ChannelEntry, error) {
	var out []catalog.ChannelEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func newTestProxy() *Proxy {
	store := fakeStore{entries: map[string]catalog.ChannelEntry{
		"ch1": {
			Channel: catalog.Channel{ID: "ch1", Number: 1, Name: "Ch1", Enabled: true},
			Streams: []catalog.Stream{{ID: "s1", ChannelID: "ch1", URI: "https://example.com/x.m3u8", Protocol: catalog.ProtocolHLS, Enabled: true}},
		},
		"ch2-disabled": {
			Channel: catalog.Channel{ID: "ch2-disabled", Number: 2, Name: "Ch2", Enabled: false},
			Streams: []catalog.Stream{{ID: "s2", ChannelID: "ch2-disabled", URI: "https://example.com/y.m3u8", Protocol: catalog.ProtocolHLS, Enabled: true}},
		},
	}}
	registry := session.NewRegistry(session.Limits{GlobalMax: 10, PerChannel: 10}, 0)
	consumers := session.NewConsumerManager(0)
	cfg := config.Snapshot{FFmpegPath: "/nonexistent/ffmpeg-binary-does-not-exist"}
	return New(store, analyzer.New(), registry, consumers, cfg)
}

func newStreamRequest(channelID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/stream/"+channelID, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("channelId", channelID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestServeStream_UnknownChannelReturns404(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()

	p.ServeStream(rec, newStreamRequest("missing"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeStream_DisabledChannelReturns404(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()

	p.ServeStream(rec, newStreamRequest("ch2-disabled"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeStream_EncoderSpawnFailureReturns502(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()

	p.ServeStream(rec, newStreamRequest("ch1"))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAllowFingerprint_LimitsBurstThenRecovers(t *testing.T) {
	p := newTestProxy()
	for i := 0; i < fingerprintLimiterBurst; i++ {
		require.True(t, p.allowFingerprint("fp-a"))
	}
	require.False(t, p.allowFingerprint("fp-a"))
	require.True(t, p.allowFingerprint("fp-b"), "a different fingerprint has its own bucket")
}

func TestSweep_EvictsStaleFingerprintLimiters(t *testing.T) {
	p := newTestProxy()
	p.allowFingerprint("fp-a")
	require.Len(t, p.fpLimiters, 1)

	p.fpLimiters["fp-a"].lastSeen = time.Now().Add(-2 * fingerprintLimiterTTL)
	p.Sweep()
	require.Empty(t, p.fpLimiters)
}
