package session

import (
	"strings"
	"time"

	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/metrics"
)

// Verdict is the health classification C4 produces, spec §4.4.
type Verdict string

const (
	VerdictHealthy               Verdict = "healthy"
	VerdictPossibleCrash         Verdict = "possible_crash"
	VerdictAndroidTVPossibleCrash Verdict = "android_tv_possible_crash"
	VerdictClientTimeout         Verdict = "client_timeout"
	VerdictConfirmedCrash        Verdict = "confirmed_crash"
	VerdictConfirmedTimeoutCrash Verdict = "confirmed_timeout_crash"
)

// IsConfirmed reports whether v is one of the confirmed_* terminal verdicts.
func (v Verdict) IsConfirmed() bool {
	return v == VerdictConfirmedCrash || v == VerdictConfirmedTimeoutCrash
}

// IsPossible reports whether v is a possible_*/timeout non-terminal verdict.
func (v Verdict) IsPossible() bool {
	return v == VerdictPossibleCrash || v == VerdictAndroidTVPossibleCrash || v == VerdictClientTimeout
}

// CrashDetector implements C4: it classifies a session's health from
// activity cadence on demand (no background polling of its own — C8
// calls Evaluate before every stateful reply, per spec §4.4).
type CrashDetector struct {
	registry   *Registry
	thresholds config.CrashThresholds
	now        func() time.Time
}

// NewCrashDetector constructs a CrashDetector bound to registry.
func NewCrashDetector(registry *Registry, thresholds config.CrashThresholds) *CrashDetector {
	return &CrashDetector{registry: registry, thresholds: thresholds, now: time.Now}
}

// Evaluate runs the ordered rule set from spec §4.4, first match wins.
func (d *CrashDetector) Evaluate(id string) Verdict {
	rec, ok := d.registry.Get(id)
	if !ok {
		return VerdictConfirmedCrash
	}

	snap := rec.snapshot(d.now())
	now := d.now()

	sinceAdmission := now.Sub(snap.StartedAt)
	sincePoll := now.Sub(snap.LastPollAt)
	sinceByte := now.Sub(snap.LastByteAt)
	hasHadByte := !snap.LastByteAt.IsZero()

	pollRecent := sincePoll < d.thresholds.HealthyPollWindow

	// Rule 1: healthy.
	if pollRecent && hasHadByte && sinceByte < d.thresholds.HealthyByteWindow {
		return d.record(VerdictHealthy)
	}

	// Rule 6: no activity of any kind since admission after the
	// confirmed-timeout window.
	if !hasHadByte && snap.LastPollAt.Equal(snap.StartedAt) && sinceAdmission >= d.thresholds.ConfirmedTimeoutWindow {
		return d.record(VerdictConfirmedTimeoutCrash)
	}

	// Rule 2: poll activity but stalled pipe.
	if pollRecent && (!hasHadByte || sinceByte >= d.thresholds.PossibleCrashByteWindow) {
		return d.record(VerdictPossibleCrash)
	}

	// Rule 3: Android TV client, no recent poll.
	if sincePoll >= d.thresholds.AndroidTVPollWindow && isAndroidTV(snap.ClientType) {
		return d.record(VerdictAndroidTVPossibleCrash)
	}

	// Rule 4: client timeout.
	if sincePoll >= d.thresholds.ClientTimeoutWindow {
		if d.isConfirmed(snap, now) {
			return d.record(VerdictConfirmedCrash)
		}
		return d.record(VerdictClientTimeout)
	}

	return d.record(VerdictHealthy)
}

func (d *CrashDetector) isConfirmed(snap Snapshot, now time.Time) bool {
	sincePoll := now.Sub(snap.LastPollAt)
	return sincePoll >= d.thresholds.ConfirmedCrashWindow || d.registry.probeFailures(snap.ID) >= 2
}

func (d *CrashDetector) record(v Verdict) Verdict {
	metrics.RecordCrashVerdict(string(v))
	return v
}

func isAndroidTV(clientType string) bool {
	return strings.Contains(strings.ToLower(clientType), "android-tv") ||
		strings.Contains(strings.ToLower(clientType), "android tv")
}

// ClientTypeFromUserAgent derives a coarse client type tag from a
// User-Agent string, enough to satisfy C4 rule 3.
func ClientTypeFromUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "android tv") || strings.Contains(lower, "androidtv") || strings.Contains(lower, "android-tv"):
		return "android-tv"
	case strings.Contains(lower, "android"):
		return "android"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") || strings.Contains(lower, "ios"):
		return "ios"
	default:
		return "unknown"
	}
}
