// Package hdhomerun implements the Device Emulator (C7): the HTTP
// surface Plex uses to discover, scan, and tune this process as if it
// were a SiliconDust HDHomeRun network tuner.
//
// Grounded on snapetech-plexTuner's internal/tuner/hdhr.go JSON shapes
// and serveDeviceXML UPnP descriptor, generalized to spec §4.7's exact
// endpoint table and the shared netutil.AdvertisedBaseURL resolver so
// C7 and the Plex-Compat Surface (C8) never disagree on the advertised
// host.
package hdhomerun

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/epg"
	"github.com/plexbridge/tunerd/internal/netutil"
	"github.com/plexbridge/tunerd/internal/session"
)

// Emulator serves the HDHomeRun-compatible discovery and lineup surface.
type Emulator struct {
	store        catalog.Store
	registry     *session.Registry
	epg          epg.Service
	deviceID     string
	friendlyName string
	tunerCount   int
	hostCfg      netutil.AdvertisedHostConfig
}

// New constructs an Emulator. epgSvc may be epg.Unavailable{} when no
// guide ingester collaborator is wired in yet.
func New(store catalog.Store, registry *session.Registry, epgSvc epg.Service, deviceID, friendlyName string, tunerCount int, hostCfg netutil.AdvertisedHostConfig) *Emulator {
	return &Emulator{
		store:        store,
		registry:     registry,
		epg:          epgSvc,
		deviceID:     deviceID,
		friendlyName: friendlyName,
		tunerCount:   tunerCount,
		hostCfg:      hostCfg,
	}
}

// Routes mounts the emulator's endpoints per spec §4.7's table.
func (e *Emulator) Routes(r chi.Router) {
	r.Get("/discover.json", e.serveDiscover)
	r.Get("/auto/hdhr", e.serveDiscover)
	r.Get("/device.xml", e.serveDeviceXML)
	r.Get("/lineup_status.json", e.serveLineupStatus)
	r.Get("/lineup.json", e.serveLineup)
	r.Post("/lineup.post", e.serveLineupPost)
	r.Get("/tuner.json", e.serveTuners)
}

func (e *Emulator) baseURL(r *http.Request) string {
	return netutil.AdvertisedBaseURL(e.hostCfg, r)
}

type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	TunerCount      int    `json:"TunerCount"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

func (e *Emulator) serveDiscover(w http.ResponseWriter, r *http.Request) {
	base := e.baseURL(r)
	writeJSON(w, discoverResponse{
		FriendlyName:    e.friendlyName,
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomerun_atsc",
		FirmwareVersion: "20200101",
		DeviceID:        e.deviceID,
		DeviceAuth:      "tunerd",
		TunerCount:      e.tunerCount,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
	})
}

type deviceXML struct {
	XMLName xml.Name      `xml:"root"`
	Xmlns   string        `xml:"xmlns,attr"`
	Device  deviceXMLBody `xml:"device"`
}

type deviceXMLBody struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	ModelNumber  string `xml:"modelNumber"`
	SerialNumber string `xml:"serialNumber"`
	UDN          string `xml:"UDN"`
}

func (e *Emulator) serveDeviceXML(w http.ResponseWriter, r *http.Request) {
	doc := deviceXML{
		Xmlns: "urn:schemas-upnp-org:device-1-0",
		Device: deviceXMLBody{
			DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
			FriendlyName: e.friendlyName,
			Manufacturer: "Silicondust",
			ModelName:    "HDHomeRun",
			ModelNumber:  "HDTC-2US",
			SerialNumber: e.deviceID,
			UDN:          "uuid:" + e.deviceID,
		},
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(doc)
}

type lineupStatusResponse struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
	EPGAvailable   bool     `json:"EPGAvailable"`
	ProgramCount   int      `json:"ProgramCount"`
}

func (e *Emulator) serveLineupStatus(w http.ResponseWriter, r *http.Request) {
	_, err := e.store.ListEnabled(r.Context())
	if err != nil {
		writeJSON(w, lineupStatusResponse{ScanPossible: 1, Source: "Cable", SourceList: []string{"Cable"}})
		return
	}
	programCount, epgErr := e.epg.GetProgramCount(r.Context())
	writeJSON(w, lineupStatusResponse{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
		EPGAvailable:   epgErr == nil && programCount > 0,
		ProgramCount:   programCount,
	})
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
	VideoCodec  string `json:"VideoCodec"`
	AudioCodec  string `json:"AudioCodec"`
	Container   string `json:"Container"`
	MediaType   string `json:"MediaType"`
	ContentType int    `json:"ContentType"`
	Live        bool   `json:"Live"`
}

func (e *Emulator) serveLineup(w http.ResponseWriter, r *http.Request) {
	entries, err := e.store.ListEnabled(r.Context())
	if err != nil {
		writeJSON(w, []lineupEntry{})
		return
	}
	base := e.baseURL(r)
	out := make([]lineupEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, lineupEntry{
			GuideNumber: strconv.Itoa(entry.Channel.Number),
			GuideName:   entry.Channel.Name,
			URL:         base + "/stream/" + entry.Channel.ID,
			VideoCodec:  "H264",
			AudioCodec:  "AAC",
			Container:   "MPEGTS",
			MediaType:   "LiveTV",
			ContentType: 4,
			Live:        true,
		})
	}
	writeJSON(w, out)
}

// serveLineupPost triggers an immediate rescan: the same payload as
// /lineup.json, never a long poll (spec §4.7).
func (e *Emulator) serveLineupPost(w http.ResponseWriter, r *http.Request) {
	e.serveLineup(w, r)
}

type tunerStatus struct {
	Resource  string `json:"Resource"`
	InUse     int    `json:"InUse"`
	VctNumber string `json:"VctNumber,omitempty"`
	TargetIP  string `json:"TargetIP,omitempty"`
}

// serveTuners reports one status entry per emulated tuner index,
// matching each in-use tuner to the channel its active session is
// streaming (spec §4.7: "any tuner index matched by an active session").
func (e *Emulator) serveTuners(w http.ResponseWriter, r *http.Request) {
	snaps := e.registry.Enumerate(false)

	out := make(map[string]tunerStatus, e.tunerCount)
	for i := 0; i < e.tunerCount; i++ {
		name := fmt.Sprintf("Tuner%d", i)
		status := tunerStatus{Resource: name}
		if i < len(snaps) {
			status.InUse = 1
			status.VctNumber = snaps[i].ChannelID
		}
		out[name] = status
	}
	writeJSON(w, out)
}

// writeJSON writes v as JSON and always sets the content type and
// status the consuming media server expects — graceful degradation on
// marshal failure still returns 200 with a well-formed empty body
// rather than an HTML error page (spec §4.7).
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data, err := json.Marshal(v)
	if err != nil {
		w.Write([]byte("{}"))
		return
	}
	w.Write(data)
}
