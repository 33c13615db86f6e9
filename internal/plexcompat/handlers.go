// Package plexcompat implements the Plex-Compat Surface (C8): the
// densest component, since Plex polls it continuously. GET
// /livetv/sessions/{id} and /consumer/{id} consult the Crash Detector
// (C4) before touching any state; /Transcode/{id} touches its consumer
// first and then consults C4; /Live/{id}, POST /livetv/sessions/{id}
// and the tune endpoint do not consult C4. Success paths return an XML
// MediaContainer or a JSON envelope; the tune endpoint's errors and the
// HLS-index and guide 404s are plain-text bodies, and a possible-crash
// verdict on /livetv/sessions/{id} is answered with an empty 204.
//
// Grounded on ManuGH-xg2g's internal/pipeline/api handler style
// (touch-on-access, context-scoped logging) and chi routing
// conventions used throughout the pack.
package plexcompat

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/epg"
	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/session"
)

// Surface implements the Plex-compat endpoint table from spec §4.8.
type Surface struct {
	store     catalog.Store
	registry  *session.Registry
	consumers *session.ConsumerManager
	detector  *session.CrashDetector
	features  config.Features
	epg       epg.Service
}

// New constructs a Surface. epgSvc may be epg.Unavailable{} when no
// guide ingester collaborator is wired in yet.
func New(store catalog.Store, registry *session.Registry, consumers *session.ConsumerManager, detector *session.CrashDetector, features config.Features, epgSvc epg.Service) *Surface {
	return &Surface{store: store, registry: registry, consumers: consumers, detector: detector, features: features, epg: epgSvc}
}

// Routes mounts every endpoint in spec §4.8's table.
func (s *Surface) Routes(r chi.Router) {
	r.Get("/livetv/sessions/{id}", s.getLiveTVSession)
	r.Post("/livetv/sessions/{id}", s.postLiveTVSession)
	r.Get("/livetv/sessions/{sid}/{cid}/index.m3u8", s.getHLSIndex)
	r.Post("/livetv/dvrs/{dvr}/channels/{num}/tune", s.postTune)
	r.Get("/consumer/{id}", s.getConsumer)
	r.Get("/consumer/{id}/{action}", s.getConsumer)
	r.Get("/timeline", s.getTimeline)
	r.Get("/timeline/{item}", s.getTimeline)
	r.Get("/library/metadata/{id}", s.getLibraryMetadata)
	r.Get("/library/metadata/{id}/{image}", s.getLibraryMetadataImage)
	r.Get("/library/*", s.getLibraryCatchAll)
	r.Handle("/Live/{id}", http.HandlerFunc(s.handleLive))
	r.Handle("/Live/{id}/{action}", http.HandlerFunc(s.handleLive))
	r.Get("/Transcode/{id}", s.getTranscode)
	r.Post("/Transcode/{id}", s.getTranscode)
	r.Get("/Transcode/{id}/status", s.getTranscode)
	r.Post("/Transcode/{id}/status", s.getTranscode)
	r.Get("/video/:/transcode/universal/decision", s.getTranscodeDecision)
	r.Get("/guide", s.redirectGuide)
	r.Get("/guide.xml", s.redirectGuide)
}

func (s *Surface) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "text/xml;charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

func (s *Surface) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// getLiveTVSession implements the §4.8 table's densest row: health
// check first, terminal/possible verdicts short-circuit before any
// state mutation (spec §4.4's "C8 consults C4 before responding").
func (s *Surface) getLiveTVSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	verdict := s.detector.Evaluate(id)

	if verdict.IsConfirmed() {
		mc := newMediaContainer()
		mc.Size = 0
		mc.Error = "Session terminated"
		s.writeXML(w, http.StatusGone, mc)
		return
	}
	if verdict.IsPossible() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.registry.RecordPoll(id)
	s.consumers.Touch(id, session.OriginLiveTVSessions, r.UserAgent())

	mc := newMediaContainer()
	mc.Size = 1
	mc.Videos = []Video{liveTVVideo("/stream/" + channelIDForSession(s.registry, id))}
	s.writeXML(w, http.StatusOK, mc)
}

func (s *Surface) postLiveTVSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.RecordPoll(id)
	s.consumers.Touch(id, session.OriginLiveTVSessions, r.UserAgent())

	mc := newMediaContainer()
	mc.Size = 1
	s.writeXML(w, http.StatusOK, mc)
}

// getHLSIndex implements the recovery-consumer-fallback open question
// (spec §9, resolved by config.Features.RecoveryConsumerFallback):
// when the session is missing, fabricate a consumer and redirect to a
// default channel rather than returning a hard 404.
func (s *Surface) getHLSIndex(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	cid := chi.URLParam(r, "cid")

	if rec, ok := s.registry.Get(sid); ok {
		channelID := rec.ChannelID
		http.Redirect(w, r, "/stream/"+channelID+"?session="+sid+"&client="+cid, http.StatusFound)
		return
	}

	if !s.features.RecoveryConsumerFallback {
		http.NotFound(w, r)
		return
	}

	s.consumers.Touch(sid, session.OriginLiveTVSessions, r.UserAgent())
	log.WithComponent("plexcompat").Warn().Str("session_id", sid).Msg("recovering missing session via default channel fallback")
	http.Redirect(w, r, "/stream/1?recovery=1&session="+sid+"&client="+cid, http.StatusFound)
}

// postTune implements /livetv/dvrs/:d/channels/:num/tune: resolve the
// channel by number, admit a Session, enforce IP parity (spec §4.8
// "Session tuning ... enforces IP parity").
func (s *Surface) postTune(w http.ResponseWriter, r *http.Request) {
	numStr := chi.URLParam(r, "num")
	num, err := strconv.Atoi(numStr)
	if err != nil {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return
	}

	entries, err := s.store.ListEnabled(r.Context())
	if err != nil {
		http.Error(w, "channel lookup failed", http.StatusInternalServerError)
		return
	}
	var channelID string
	found := false
	for _, e := range entries {
		if e.Channel.Number == num {
			channelID = e.Channel.ID
			found = true
			break
		}
	}
	if !found {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	fp := session.FingerprintFromRequest(r)
	if priorID := priorSessionID(r); priorID != "" {
		if rec, ok := s.registry.Get(priorID); ok && rec.Fingerprint != fp {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "SESSION_IP_MISMATCH"})
			return
		}
	}

	admit := s.registry.Admit(session.AdmitRequest{
		ChannelID:   channelID,
		Fingerprint: fp,
		ClientType:  session.ClientTypeFromUserAgent(r.UserAgent()),
	})
	if admit.Rejected == session.RejectDuplicateClient {
		s.consumers.Adopt(admit.ExistingSessionID, channelID)
		s.respondTuned(w, admit.ExistingSessionID, channelID)
		return
	}
	if admit.Rejected != session.RejectNone {
		http.Error(w, "concurrent session limit reached", http.StatusServiceUnavailable)
		return
	}

	s.consumers.Adopt(admit.Record.ID, channelID)
	s.respondTuned(w, admit.Record.ID, channelID)
}

func (s *Surface) respondTuned(w http.ResponseWriter, sessionID, channelID string) {
	mc := newMediaContainer()
	mc.Size = 1
	mc.Videos = []Video{liveTVVideo("/livetv/sessions/" + sessionID + "/" + channelID + "/index.m3u8")}
	s.writeXML(w, http.StatusOK, mc)
}

func priorSessionID(r *http.Request) string {
	if v := r.Header.Get("X-Plex-Session-Identifier"); v != "" {
		return v
	}
	return r.URL.Query().Get("session")
}

type consumerEnvelope struct {
	Consumer consumerStatus `json:"consumer"`
	Session  sessionStatus  `json:"session"`
}

type consumerStatus struct {
	Available    bool      `json:"available"`
	Active       bool      `json:"active"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

type sessionStatus struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason"`
}

func (s *Surface) getConsumer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	verdict := s.detector.Evaluate(id)

	if verdict.IsConfirmed() {
		s.writeJSON(w, http.StatusGone, consumerEnvelope{
			Consumer: consumerStatus{Available: false},
			Session:  sessionStatus{Healthy: false, Reason: string(verdict)},
		})
		return
	}

	c := s.consumers.Touch(id, session.OriginConsumer, r.UserAgent())
	s.registry.RecordPoll(id)

	s.writeJSON(w, http.StatusOK, consumerEnvelope{
		Consumer: consumerStatus{
			Available:    true,
			Active:       c.Adopted,
			State:        string(verdict),
			LastActivity: c.LastActivity,
		},
		Session: sessionStatus{Healthy: verdict == session.VerdictHealthy, Reason: string(verdict)},
	})
}

// getTimeline implements the mandatory cache-suppression headers and
// monotonically varying ETag the §4.8 table requires.
func (s *Surface) getTimeline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("ETag", strconv.FormatInt(time.Now().UnixNano(), 36))

	type timeline struct {
		XMLName     xml.Name `xml:"MediaContainer"`
		Size        int      `xml:"size,attr"`
		State       string   `xml:"state,attr"`
		Type        string   `xml:"type,attr"`
		ContentType int      `xml:"contentType,attr"`
		Duration    string   `xml:"duration,attr"`
	}
	s.writeXML(w, http.StatusOK, timeline{Size: 1, State: "playing", Type: "episode", ContentType: 4, Duration: "86400000"})
}

func (s *Surface) getLibraryMetadata(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	mc := newMediaContainer()
	mc.Size = 1
	mc.Videos = []Video{liveTVVideo("/stream/" + channelID)}
	s.writeXML(w, http.StatusOK, mc)
}

// 1x1 transparent PNG, served with a long cache TTL per the §4.8 table.
var transparentPixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func (s *Surface) getLibraryMetadataImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(transparentPixelPNG)
}

func (s *Surface) getLibraryCatchAll(w http.ResponseWriter, r *http.Request) {
	s.writeXML(w, http.StatusOK, newMediaContainer())
}

func (s *Surface) handleLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.consumers.Touch(id, session.OriginLive, r.UserAgent())
	s.registry.RecordPoll(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "streaming"})
}

func (s *Surface) getTranscode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.consumers.Touch(id, session.OriginTranscode, r.UserAgent())
	verdict := s.detector.Evaluate(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": !verdict.IsConfirmed(),
		"alive":   !verdict.IsConfirmed(),
	})
}

func (s *Surface) getTranscodeDecision(w http.ResponseWriter, r *http.Request) {
	type decision struct {
		XMLName             xml.Name `xml:"MediaContainer"`
		Size                int      `xml:"size,attr"`
		Identifier          string   `xml:"identifier,attr"`
		GeneralDecisionText string   `xml:"generalDecisionText,attr"`
	}
	s.writeXML(w, http.StatusOK, decision{
		Size:                0,
		Identifier:          "com.plexapp.plugins.library",
		GeneralDecisionText: "Direct play.",
	})
}

func (s *Surface) redirectGuide(w http.ResponseWriter, r *http.Request) {
	url, err := s.epg.XMLTVURL(r.Context())
	if err != nil || url == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func channelIDForSession(registry *session.Registry, id string) string {
	if rec, ok := registry.Get(id); ok {
		return rec.ChannelID
	}
	return ""
}
