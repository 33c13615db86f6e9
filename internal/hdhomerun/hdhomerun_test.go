package hdhomerun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/epg"
	"github.com/plexbridge/tunerd/internal/netutil"
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

type fakeEPG struct{ count int }

func (f fakeEPG) GetProgramCount(ctx context.Context) (int, error) { return f.count, nil }
func (f fakeEPG) GetCurrent(ctx context.Context, channelID string) (epg.Program, bool, error) {
	return epg.Program{}, false, nil
}
func (f fakeEPG) XMLTVURL(ctx context.Context) (string, error) { return "", nil }

func newTestEmulator() *Emulator {
	store := fakeStore{entries: []catalog.ChannelEntry{
		{
			Channel: catalog.Channel{ID: "ch1", Number: 101, Name: "Channel One", Enabled: true},
			Streams: []catalog.Stream{{ID: "s1", ChannelID: "ch1", URI: "https://example.com/a.m3u8", Enabled: true}},
		},
	}}
	registry := session.NewRegistry(session.Limits{GlobalMax: 4, PerChannel: 2}, 0)
	return New(store, registry, fakeEPG{count: 1}, "TUNERD0001", "tunerd", 4, netutil.AdvertisedHostConfig{ExplicitSetting: "http://192.0.2.1:3000", Port: 3000})
}

func TestServeDiscover_JSONShape(t *testing.T) {
	e := newTestEmulator()
	req := httptest.NewRequest(http.MethodGet, "/discover.json", nil)
	rec := httptest.NewRecorder()

	e.serveDiscover(rec, req)

	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var body discoverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "TUNERD0001", body.DeviceID)
	require.Equal(t, 4, body.TunerCount)
	require.Equal(t, "http://192.0.2.1:3000", body.BaseURL)
	require.Equal(t, "http://192.0.2.1:3000/lineup.json", body.LineupURL)
}

func TestServeLineup_MapsChannelsToStreamURLs(t *testing.T) {
	e := newTestEmulator()
	req := httptest.NewRequest(http.MethodGet, "/lineup.json", nil)
	rec := httptest.NewRecorder()

	e.serveLineup(rec, req)

	var entries []lineupEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "101", entries[0].GuideNumber)
	require.Equal(t, "http://192.0.2.1:3000/stream/ch1", entries[0].URL)
	require.Equal(t, 4, entries[0].ContentType)
	require.True(t, entries[0].Live)
}

func TestServeDeviceXML_NamesSiliconDust(t *testing.T) {
	e := newTestEmulator()
	req := httptest.NewRequest(http.MethodGet, "/device.xml", nil)
	rec := httptest.NewRecorder()

	e.serveDeviceXML(rec, req)

	require.Contains(t, rec.Body.String(), "Silicondust")
	require.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
}

func TestServeLineupStatus_ReportsProgramCount(t *testing.T) {
	e := newTestEmulator()
	req := httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil)
	rec := httptest.NewRecorder()

	e.serveLineupStatus(rec, req)

	var status lineupStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.ProgramCount)
	require.Equal(t, 1, status.ScanPossible)
}

func TestServeTuners_MarksInUseForActiveSessions(t *testing.T) {
	e := newTestEmulator()
	admit := e.registry.Admit(session.AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, session.RejectNone, admit.Rejected)

	req := httptest.NewRequest(http.MethodGet, "/tuner.json", nil)
	rec := httptest.NewRecorder()
	e.serveTuners(rec, req)

	var tuners map[string]tunerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tuners))
	inUseCount := 0
	var vctNumber string
	for _, t2 := range tuners {
		inUseCount += t2.InUse
		if t2.InUse == 1 {
			vctNumber = t2.VctNumber
		}
	}
	require.Equal(t, 1, inUseCount)
	require.Equal(t, "ch1", vctNumber)
}
