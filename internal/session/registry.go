package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/metrics"
)

// AdmitRequest carries what the Registry needs to run admission control
// (spec §4.6 step 2-3) and create a pending session.
type AdmitRequest struct {
	ChannelID   string
	Fingerprint ClientFingerprint
	ClientType  string
}

// RejectReason explains why Admit refused a request.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectDuplicateClient  RejectReason = "duplicate_client"
	RejectGlobalMax        RejectReason = "global_max"
	RejectChannelMax       RejectReason = "channel_max"
)

// AdmitResult is returned by Admit.
type AdmitResult struct {
	Record   *Record
	Rejected RejectReason
	// ExistingSessionID is populated when Rejected == RejectDuplicateClient.
	ExistingSessionID string
}

// Limits are the admission control limits from spec §3/§5.
type Limits struct {
	GlobalMax  int
	PerChannel int
}

// Registry implements the Session Registry (C3). Admission decisions are
// linearizable: a single mutex guards the admit-check-and-insert
// sequence, mirroring the teacher's ResourceMonitor pattern.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	byFP     map[ClientFingerprint]map[string]string // fingerprint -> channelID -> sessionID
	limits   Limits
	now      func() time.Time
	hardAge  time.Duration
}

// NewRegistry constructs a Registry with the given admission limits.
func NewRegistry(limits Limits, hardAge time.Duration) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		byFP:    make(map[ClientFingerprint]map[string]string),
		limits:  limits,
		now:     time.Now,
		hardAge: hardAge,
	}
}

// Admit performs admission control and, on success, creates a pending
// Session in state `admitting` (spec §4.6 steps 2-5).
func (r *Registry) Admit(req AdmitRequest) AdmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if perChannel, ok := r.byFP[req.Fingerprint]; ok {
		if existingID, ok := perChannel[req.ChannelID]; ok {
			if rec, ok := r.records[existingID]; ok && !rec.snapshot(r.now()).State.isTerminalOrStopping() {
				metrics.RecordReject(string(RejectDuplicateClient))
				return AdmitResult{Rejected: RejectDuplicateClient, ExistingSessionID: existingID}
			}
		}
	}

	if r.totalActiveLocked() >= r.limits.GlobalMax {
		metrics.RecordReject(string(RejectGlobalMax))
		return AdmitResult{Rejected: RejectGlobalMax}
	}
	if r.activeForChannelLocked(req.ChannelID) >= r.limits.PerChannel {
		metrics.RecordReject(string(RejectChannelMax))
		return AdmitResult{Rejected: RejectChannelMax}
	}

	id := uuid.New().String()
	now := r.now()
	rec := newRecord(id, req.ChannelID, req.Fingerprint, req.ClientType, now)
	r.records[id] = rec
	if r.byFP[req.Fingerprint] == nil {
		r.byFP[req.Fingerprint] = make(map[string]string)
	}
	r.byFP[req.Fingerprint][req.ChannelID] = id

	metrics.RecordAdmit()
	r.publishGaugesLocked()
	return AdmitResult{Record: rec}
}

func (s State) isTerminalOrStopping() bool {
	return s == StateStopping || s == StateTerminated
}

func (r *Registry) totalActiveLocked() int {
	n := 0
	for _, rec := range r.records {
		if !rec.snapshot(r.now()).State.isTerminalOrStopping() {
			n++
		}
	}
	return n
}

func (r *Registry) activeForChannelLocked(channelID string) int {
	n := 0
	for _, rec := range r.records {
		snap := rec.snapshot(r.now())
		if snap.ChannelID == channelID && !snap.State.isTerminalOrStopping() {
			n++
		}
	}
	return n
}

// Get returns the Record for id, if present.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// SetStopFunc attaches the teardown callback the Stream Proxy installs
// once it has spawned the encoder for rec.
func (r *Registry) SetStopFunc(id string, stop func(reason TeardownReason)) {
	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.stop = stop
	rec.mu.Unlock()
}

// RecordActivity is called by the Stream Proxy's byte pump on
// every chunk (spec §4.2): updates the byte counter, appends a
// bandwidth sample, bumps last-activity, and transitions
// admitting/monitoring -> streaming on first byte / resumed bytes.
func (r *Registry) RecordActivity(id string, n int) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	now := r.now()

	rec.mu.Lock()
	rec.transferredBytes += int64(n)
	rec.samples = append(rec.samples, BandwidthSample{At: now, BitsRead: int64(n) * 8})
	rec.LastByteAt = now
	if rec.State == StateAdmitting || rec.State == StateMonitoring {
		rec.State = StateStreaming
	}
	rec.mu.Unlock()
}

// RecordError is called by the Transcoder Supervisor for each
// error-class stderr line (spec §4.2).
func (r *Registry) RecordError(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.ErrorCount++
	rec.mu.Unlock()
}

// RecordPoll is called by C8 for every poll tagged with this session,
// used by C4 and by the streaming<->monitoring transition.
func (r *Registry) RecordPoll(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.LastPollAt = r.now()
	rec.mu.Unlock()
}

// RecordProbeFailure is used by C4 consecutive-probe-failure detection.
func (r *Registry) RecordProbeFailure(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.probeFailures++
	rec.mu.Unlock()
}

func (r *Registry) probeFailures(id string) int {
	rec, ok := r.Get(id)
	if !ok {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.probeFailures
}

// TransitionToMonitoring moves a streaming session to monitoring when
// no bytes have arrived for the possible-stall threshold while polls
// still arrive (spec §4.3).
func (r *Registry) TransitionToMonitoring(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	if rec.State == StateStreaming {
		rec.State = StateMonitoring
	}
	rec.mu.Unlock()
}

// Teardown marks the session stopping, invokes the attached stop
// callback (if any) to kill the encoder, and is idempotent so that two
// concurrent teardown calls (R2) result in exactly one encoder-kill.
func (r *Registry) Teardown(ctx context.Context, id string, reason TeardownReason) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.State == StateStopping || rec.State == StateTerminated {
		rec.mu.Unlock()
		return
	}
	rec.State = StateStopping
	stop := rec.stop
	rec.mu.Unlock()

	if stop != nil {
		stop(reason)
	}

	rec.mu.Lock()
	rec.State = StateTerminated
	rec.mu.Unlock()
	snap := rec.snapshot(r.now())

	logger := log.WithContext(ctx, log.WithComponent("session"))
	logger.Info().
		Str("session_id", id).
		Str("channel_id", snap.ChannelID).
		Str("reason", string(reason)).
		Dur("duration", r.now().Sub(snap.StartedAt)).
		Int64("bytes", snap.TransferredBytes).
		Float64("avg_bitrate_bps", snap.AvgBitrateBps).
		Float64("peak_bitrate_bps", snap.PeakBitrateBps).
		Msg("session ended")

	r.mu.Lock()
	delete(r.records, id)
	if perChannel, ok := r.byFP[snap.Fingerprint]; ok {
		if perChannel[snap.ChannelID] == id {
			delete(perChannel, snap.ChannelID)
		}
		if len(perChannel) == 0 {
			delete(r.byFP, snap.Fingerprint)
		}
	}
	r.publishGaugesLocked()
	r.mu.Unlock()
}

// Enumerate returns a consistent point-in-time snapshot of every active
// session, optionally sorted by channel id.
func (r *Registry) Enumerate(sortByChannel bool) []Snapshot {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	now := r.now()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.Get(id); ok {
			out = append(out, rec.snapshot(now))
		}
	}
	if sortByChannel {
		sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	}
	return out
}

// ConcurrencyMetrics is the global admission summary spec §4.3 names.
type ConcurrencyMetrics struct {
	Total          int
	Limit          int
	UtilizationPct float64
	PerChannel     map[string]int
	UniqueClients  int
}

// Metrics returns the global concurrency metrics.
func (r *Registry) Metrics() ConcurrencyMetrics {
	snaps := r.Enumerate(false)
	perChannel := make(map[string]int)
	clients := make(map[ClientFingerprint]struct{})
	for _, s := range snaps {
		perChannel[s.ChannelID]++
		clients[s.Fingerprint] = struct{}{}
	}
	limit := r.limits.GlobalMax
	util := 0.0
	if limit > 0 {
		util = float64(len(snaps)) / float64(limit) * 100
	}
	return ConcurrencyMetrics{
		Total:          len(snaps),
		Limit:          limit,
		UtilizationPct: util,
		PerChannel:     perChannel,
		UniqueClients:  len(clients),
	}
}

// ByClient looks up the active session id for (channel, fingerprint).
func (r *Registry) ByClient(channelID string, fp ClientFingerprint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perChannel, ok := r.byFP[fp]
	if !ok {
		return "", false
	}
	id, ok := perChannel[channelID]
	return id, ok
}

// Sweep terminates any session older than the configured hard-age,
// intended to be called periodically (spec §5 "periodic sweeper").
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()
	for _, snap := range r.Enumerate(false) {
		if now.Sub(snap.StartedAt) > r.hardAge {
			r.Teardown(ctx, snap.ID, ReasonTimeout)
		}
	}
}

func (r *Registry) publishGaugesLocked() {
	byChannel := make(map[string]int)
	total := 0
	for _, rec := range r.records {
		if rec.snapshot(r.now()).State.isTerminalOrStopping() {
			continue
		}
		byChannel[rec.ChannelID]++
		total++
	}
	metrics.SetActiveSessions(float64(total))
	for ch, n := range byChannel {
		metrics.SetActiveSessionsForChannel(ch, float64(n))
	}
}
