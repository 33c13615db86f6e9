// Package proxy implements the Stream Proxy (C6): the handler that
// turns a per-channel request into an admitted Session, a spawned
// encoder, and an MPEG-TS byte stream with idle-timeout and
// disconnect-driven teardown.
//
// Grounded on ManuGH-xg2g's internal/pipeline/api/hls.go request
// validation and touch-on-access pattern, and its stream-serving
// handlers' header discipline, generalized to spec §4.6's admit ->
// analyze -> spawn -> pump -> teardown pipeline.
package proxy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/plexbridge/tunerd/internal/analyzer"
	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/session"
	"github.com/plexbridge/tunerd/internal/transcoder"
)

// fingerprintLimiterRate and fingerprintLimiterBurst bound how often a
// single ClientFingerprint may hit /stream/:channelId, ahead of the
// coarser per-IP httprate limiter on the metadata routes.
const (
	fingerprintLimiterRate  = rate.Limit(1)
	fingerprintLimiterBurst = 3
	fingerprintLimiterTTL   = 5 * time.Minute

	encoderSpawnRate  = rate.Limit(5)
	encoderSpawnBurst = 5
)

// Proxy wires C1, C2, C3, C5 together behind the /stream/:channelId
// contract.
type Proxy struct {
	store       catalog.Store
	analyzer    *analyzer.Analyzer
	registry    *session.Registry
	consumers   *session.ConsumerManager
	ffmpegPath  string
	idleTimeout time.Duration

	spawnLimiter *rate.Limiter

	fpMu       sync.Mutex
	fpLimiters map[string]*fingerprintLimiter
}

type fingerprintLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs a Proxy.
func New(store catalog.Store, an *analyzer.Analyzer, registry *session.Registry, consumers *session.ConsumerManager, cfg config.Snapshot) *Proxy {
	return &Proxy{
		store:        store,
		analyzer:     an,
		registry:     registry,
		consumers:    consumers,
		ffmpegPath:   cfg.FFmpegPath,
		idleTimeout:  cfg.StreamIdleTimeout,
		spawnLimiter: rate.NewLimiter(encoderSpawnRate, encoderSpawnBurst),
		fpLimiters:   make(map[string]*fingerprintLimiter),
	}
}

// allowFingerprint applies a per-ClientFingerprint token bucket ahead of
// admission control, bounding a single client's tune-request rate
// independent of the coarser per-IP httprate limiter on C7/C8.
func (p *Proxy) allowFingerprint(fp string) bool {
	p.fpMu.Lock()
	defer p.fpMu.Unlock()

	fl, ok := p.fpLimiters[fp]
	if !ok {
		fl = &fingerprintLimiter{limiter: rate.NewLimiter(fingerprintLimiterRate, fingerprintLimiterBurst)}
		p.fpLimiters[fp] = fl
	}
	fl.lastSeen = time.Now()
	return fl.limiter.Allow()
}

// Sweep evicts fingerprint limiters idle longer than fingerprintLimiterTTL,
// called alongside the Session Registry's and Consumer Manager's own
// periodic sweeps so this map never grows unbounded.
func (p *Proxy) Sweep() {
	p.fpMu.Lock()
	defer p.fpMu.Unlock()
	cutoff := time.Now().Add(-fingerprintLimiterTTL)
	for fp, fl := range p.fpLimiters {
		if fl.lastSeen.Before(cutoff) {
			delete(p.fpLimiters, fp)
		}
	}
}

// Routes mounts the proxy's handlers onto r.
func (p *Proxy) Routes(r chi.Router) {
	r.Get("/stream/{channelId}", p.ServeStream)
}

// ServeStream implements spec §4.6 steps 1-12.
func (p *Proxy) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithContext(ctx, log.WithComponent("proxy"))
	channelID := chi.URLParam(r, "channelId")

	entry, ok, err := p.store.Get(ctx, channelID)
	if err != nil || !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if !entry.Channel.Enabled {
		http.Error(w, "channel is disabled", http.StatusNotFound)
		return
	}
	stream, ok := entry.PrimaryStream()
	if !ok {
		http.Error(w, "channel has no enabled stream", http.StatusNotFound)
		return
	}

	fp := session.FingerprintFromRequest(r)
	if !p.allowFingerprint(fp) {
		http.Error(w, "too many tune requests for this client", http.StatusTooManyRequests)
		return
	}
	if existingID, ok := p.registry.ByClient(channelID, fp); ok {
		w.Header().Set("X-Existing-Session-Id", existingID)
		http.Error(w, "session already active for this client", http.StatusConflict)
		return
	}

	admit := p.registry.Admit(session.AdmitRequest{
		ChannelID:   channelID,
		Fingerprint: fp,
		ClientType:  session.ClientTypeFromUserAgent(r.UserAgent()),
	})
	if admit.Rejected != session.RejectNone {
		if admit.Rejected == session.RejectDuplicateClient {
			w.Header().Set("X-Existing-Session-Id", admit.ExistingSessionID)
			http.Error(w, "session already active for this client", http.StatusConflict)
			return
		}
		http.Error(w, "concurrent session limit reached", http.StatusServiceUnavailable)
		return
	}
	rec := admit.Record
	p.consumers.Adopt(rec.ID, channelID)

	if !p.spawnLimiter.Allow() {
		p.registry.Teardown(ctx, rec.ID, session.ReasonProcessExit)
		http.Error(w, "encoder spawn rate limit reached, try again shortly", http.StatusServiceUnavailable)
		return
	}

	profile := p.analyzer.Analyze(ctx, stream.URI)

	encCtx, cancelEncoder := context.WithCancel(context.Background())
	handle, err := transcoder.Spawn(encCtx, p.ffmpegPath, stream.URI, profile, nil, func(line string) {
		p.registry.RecordError(rec.ID)
	})
	if err != nil {
		cancelEncoder()
		p.registry.Teardown(ctx, rec.ID, session.ReasonProcessExit)
		http.Error(w, "failed to start encoder", http.StatusBadGateway)
		return
	}

	stopped := make(chan struct{})
	p.registry.SetStopFunc(rec.ID, func(reason session.TeardownReason) {
		handle.Stop()
		cancelEncoder()
		select {
		case <-stopped:
		default:
			close(stopped)
		}
	})

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")

	flusher, _ := w.(http.Flusher)

	idleTimer := time.NewTimer(p.idleTimeout)
	defer idleTimer.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.pump(rec.ID, handle, w, flusher, idleTimer)
	}()

	select {
	case result := <-handle.Exit():
		<-done
		reason := session.ReasonProcessExit
		if result.Kind == transcoder.ExitKindNormal {
			reason = session.ReasonProcessExit
		}
		p.registry.Teardown(ctx, rec.ID, reason)
	case <-ctx.Done():
		p.registry.Teardown(ctx, rec.ID, session.ReasonDisconnect)
		<-done
	case <-idleTimer.C:
		p.registry.Teardown(ctx, rec.ID, session.ReasonTimeout)
		<-done
	case <-done:
		p.registry.Teardown(ctx, rec.ID, session.ReasonProcessExit)
	}

	logger.Debug().Str("session_id", rec.ID).Str("channel_id", channelID).Msg("stream request finished")
}

// pump copies encoder stdout to the response, updating C3's byte
// counters and resetting the idle timer on every chunk (spec §4.6
// steps 8-9).
func (p *Proxy) pump(sessionID string, handle *transcoder.Handle, w http.ResponseWriter, flusher http.Flusher, idleTimer *time.Timer) {
	buf := make([]byte, 32*1024)
	src := handle.Stdout()
	for {
		n, err := src.Read(buf)
		if n > 0 {
			p.registry.RecordActivity(sessionID, n)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(p.idleTimeout)

			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Base().Debug().Err(err).Str("session_id", sessionID).Msg("encoder stdout read error")
			}
			return
		}
	}
}
