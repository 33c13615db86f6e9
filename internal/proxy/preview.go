package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/tunerd/internal/analyzer"
	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/httpclient"
	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/transcoder"
)

// PreviewHandler serves the admin-UI preview path: direct relay for
// HLS/DASH sources, falling back to a remux-to-MPEGTS path for
// TS/RTSP/RTMP/other sources or on any upstream relay error (spec
// §4.6 "Preview path").
type PreviewHandler struct {
	store      previewStore
	an         *analyzer.Analyzer
	ffmpegPath string
	client     *http.Client
}

type previewStore interface {
	// ResolveURI resolves a channel id to its primary stream URI for
	// preview purposes; a thin subset of catalog.Store's contract so
	// tests can fake it without a full ChannelEntry.
	ResolveURI(channelID string) (string, bool)
}

// catalogPreviewStore adapts catalog.Store to previewStore.
type catalogPreviewStore struct {
	store catalog.Store
}

func (a catalogPreviewStore) ResolveURI(channelID string) (string, bool) {
	entry, ok, err := a.store.Get(context.Background(), channelID)
	if err != nil || !ok {
		return "", false
	}
	stream, ok := entry.PrimaryStream()
	if !ok {
		return "", false
	}
	return stream.URI, true
}

// NewPreviewHandler constructs a PreviewHandler backed by a catalog.Store.
func NewPreviewHandler(store catalog.Store, an *analyzer.Analyzer, ffmpegPath string) *PreviewHandler {
	return &PreviewHandler{store: catalogPreviewStore{store: store}, an: an, ffmpegPath: ffmpegPath, client: httpclient.Default()}
}

// Routes mounts the preview handler.
func (p *PreviewHandler) Routes(r chi.Router) {
	r.Get("/preview/{channelId}", p.ServePreview)
}

// ServePreview implements the preview path: direct relay with a
// remux fallback.
func (p *PreviewHandler) ServePreview(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	uri, ok := p.store.ResolveURI(channelID)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	profile := p.an.Analyze(r.Context(), uri)
	if isDirectRelayable(profile.Kind) {
		if p.relayDirect(w, r, uri, profile) {
			return
		}
		log.Base().Warn().Str("channel_id", channelID).Msg("preview direct relay failed, falling back to remux")
	}
	p.remux(w, r, uri, profile)
}

func isDirectRelayable(kind analyzer.Kind) bool {
	return kind == analyzer.KindHLS || kind == analyzer.KindDASH
}

// relayDirect proxies the upstream playlist/manifest byte-for-byte with
// the appropriate MIME type. Returns false on any upstream error so the
// caller can fall back to remux.
func (p *PreviewHandler) relayDirect(w http.ResponseWriter, r *http.Request, uri string, profile analyzer.Profile) bool {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, uri, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return false
	}

	contentType := "application/vnd.apple.mpegurl"
	if profile.Kind == analyzer.KindDASH {
		contentType = "application/dash+xml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, copyErr := io.Copy(w, httpclient.DecodeBody(resp))
	return copyErr == nil
}

// remux spawns a short-lived encoder to repackage the source into a
// web-playable MPEG-TS stream for the admin preview player.
func (p *PreviewHandler) remux(w http.ResponseWriter, r *http.Request, uri string, profile analyzer.Profile) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")

	handle, err := transcoder.Spawn(r.Context(), p.ffmpegPath, uri, profile, nil, nil)
	if err != nil {
		http.Error(w, "preview remux failed to start", http.StatusBadGateway)
		return
	}
	defer handle.Stop()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	src := handle.Stdout()
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}
