package plexcompat

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/epg"
	"github.com/plexbridge/tunerd/internal/session"
)

type fakeStore struct {
	entries []catalog.ChannelEntry
}

func (f fakeStore) Get(ctx context.Context, id string) (catalog.ChannelEntry, bool, error) {
	for _, e := range f.entries {
		if e.Channel.ID == id {
			return e, true, nil
		}
	}
	return catalog.ChannelEntry{}, false, nil
}

func (f fakeStore) ListEnabled(ctx context.Context) ([]catalog.ChannelEntry, error) {
	return f.entries, nil
}

func newTestSurface() (*Surface, *session.Registry, *session.ConsumerManager) {
	store := fakeStore{entries: []catalog.ChannelEntry{
		{Channel: catalog.Channel{ID: "ch1", Number: 1, Name: "Ch1", Enabled: true}},
	}}
	registry := session.NewRegistry(session.Limits{GlobalMax: 10, PerChannel: 10}, time.Hour)
	consumers := session.NewConsumerManager(2 * time.Minute)
	detector := session.NewCrashDetector(registry, config.DefaultCrashThresholds())
	s := New(store, registry, consumers, detector, config.Features{RecoveryConsumerFallback: true}, epg.Unavailable{})
	return s, registry, consumers
}

type fakeEPG struct{ xmltvURL string }

func (f fakeEPG) GetProgramCount(ctx context.Context) (int, error) { return 0, nil }
func (f fakeEPG) GetCurrent(ctx context.Context, channelID string) (epg.Program, bool, error) {
	return epg.Program{}, false, nil
}
func (f fakeEPG) XMLTVURL(ctx context.Context) (string, error) { return f.xmltvURL, nil }

func withURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestGetLiveTVSession_UnknownIDIsConfirmedCrash410(t *testing.T) {
	s, _, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/nope", nil)
	req = withURLParams(req, map[string]string{"id": "nope"})
	rec := httptest.NewRecorder()

	s.getLiveTVSession(rec, req)

	require.Equal(t, http.StatusGone, rec.Code)
	var mc MediaContainer
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &mc))
	require.Equal(t, "Session terminated", mc.Error)
}

func TestGetLiveTVSession_PossibleCrashReturnsEmpty204(t *testing.T) {
	s, registry, _ := newTestSurface()
	admit := registry.Admit(session.AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, session.RejectNone, admit.Rejected)
	registry.RecordPoll(admit.Record.ID) // polling, but no bytes ever seen: rule 2 (possible_crash)

	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/"+admit.Record.ID, nil)
	req = withURLParams(req, map[string]string{"id": admit.Record.ID})
	rec := httptest.NewRecorder()

	s.getLiveTVSession(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}

func TestGetLiveTVSession_HealthyReturnsVideoEnvelope(t *testing.T) {
	s, registry, _ := newTestSurface()
	admit := registry.Admit(session.AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, session.RejectNone, admit.Rejected)
	registry.RecordActivity(admit.Record.ID, 1024)
	registry.RecordPoll(admit.Record.ID)

	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/"+admit.Record.ID, nil)
	req = withURLParams(req, map[string]string{"id": admit.Record.ID})
	rec := httptest.NewRecorder()

	s.getLiveTVSession(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var mc MediaContainer
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &mc))
	require.Len(t, mc.Videos, 1)
	require.Equal(t, "clip", mc.Videos[0].Type)
	require.Equal(t, "1", mc.Videos[0].Live)
}

func TestPostTune_ResolvesChannelByNumber(t *testing.T) {
	s, registry, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodPost, "/livetv/dvrs/1/channels/1/tune", nil)
	req = withURLParams(req, map[string]string{"dvr": "1", "num": "1"})
	rec := httptest.NewRecorder()

	s.postTune(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, registry.Metrics().Total)
}

func TestPostTune_UnknownChannelNumberReturns404(t *testing.T) {
	s, _, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodPost, "/livetv/dvrs/1/channels/99/tune", nil)
	req = withURLParams(req, map[string]string{"dvr": "1", "num": "99"})
	rec := httptest.NewRecorder()

	s.postTune(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostTune_IPMismatchReturns403(t *testing.T) {
	s, registry, _ := newTestSurface()
	admit := registry.Admit(session.AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, session.RejectNone, admit.Rejected)

	req := httptest.NewRequest(http.MethodPost, "/livetv/dvrs/1/channels/1/tune?session="+admit.Record.ID, nil)
	req.RemoteAddr = "10.0.0.99:1234" // different client than fp-a
	req = withURLParams(req, map[string]string{"dvr": "1", "num": "1"})
	rec := httptest.NewRecorder()

	s.postTune(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetConsumer_TouchesAndReturnsEnvelope(t *testing.T) {
	s, _, consumers := newTestSurface()
	req := httptest.NewRequest(http.MethodGet, "/consumer/abc", nil)
	req = withURLParams(req, map[string]string{"id": "abc"})
	rec := httptest.NewRecorder()

	s.getConsumer(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := consumers.Get("abc")
	require.True(t, ok)
}

func TestGetHLSIndex_RecoversMissingSessionWhenFeatureEnabled(t *testing.T) {
	s, _, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/missing/client1/index.m3u8", nil)
	req = withURLParams(req, map[string]string{"sid": "missing", "cid": "client1"})
	rec := httptest.NewRecorder()

	s.getHLSIndex(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "recovery=1")
}

func TestRedirectGuide_RedirectsToConfiguredXMLTVURL(t *testing.T) {
	store := fakeStore{entries: []catalog.ChannelEntry{
		{Channel: catalog.Channel{ID: "ch1", Number: 1, Name: "Ch1", Enabled: true}},
	}}
	registry := session.NewRegistry(session.Limits{GlobalMax: 10, PerChannel: 10}, time.Hour)
	consumers := session.NewConsumerManager(2 * time.Minute)
	detector := session.NewCrashDetector(registry, config.DefaultCrashThresholds())
	s := New(store, registry, consumers, detector, config.Features{}, fakeEPG{xmltvURL: "http://guide.example/xmltv.xml"})

	req := httptest.NewRequest(http.MethodGet, "/guide", nil)
	rec := httptest.NewRecorder()

	s.redirectGuide(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "http://guide.example/xmltv.xml", rec.Header().Get("Location"))
}

func TestRedirectGuide_NotFoundWhenUnavailable(t *testing.T) {
	s, _, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodGet, "/guide", nil)
	rec := httptest.NewRecorder()

	s.redirectGuide(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLibraryMetadataImage_ReturnsPNG(t *testing.T) {
	s, _, _ := newTestSurface()
	req := httptest.NewRequest(http.MethodGet, "/library/metadata/ch1/poster.png", nil)
	rec := httptest.NewRecorder()

	s.getLibraryMetadataImage(rec, req)

	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Body.Bytes())
}
