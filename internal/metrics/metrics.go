// Package metrics provides Prometheus metrics for tunerd's streaming
// and protocol-emulation engine, grounded on the teacher's
// internal/metrics and internal/admission packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionAdmitTotal counts sessions admitted by C6.
	AdmissionAdmitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunerd_admission_admit_total",
		Help: "Total number of admitted stream session requests.",
	})

	// AdmissionRejectTotal counts rejected admissions by reason.
	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunerd_admission_reject_total",
		Help: "Total number of rejected stream session requests, by reason.",
	}, []string{"reason"})

	// ActiveSessions tracks current active sessions, overall.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunerd_active_sessions",
		Help: "Current number of active sessions.",
	})

	// ActiveSessionsByChannel tracks current active sessions per channel.
	ActiveSessionsByChannel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunerd_active_sessions_by_channel",
		Help: "Current number of active sessions, by channel id.",
	}, []string{"channel_id"})

	// TranscoderStartTotal counts encoder process starts, by result.
	TranscoderStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunerd_transcoder_start_total",
		Help: "Total number of transcoder process starts, by result.",
	}, []string{"result"})

	// TranscoderExitTotal counts encoder process exits, by reason.
	TranscoderExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunerd_transcoder_exit_total",
		Help: "Total number of transcoder process exits, by reason.",
	}, []string{"reason"})

	// CrashVerdictTotal counts C4 health verdicts, by verdict.
	CrashVerdictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunerd_crash_verdict_total",
		Help: "Total number of crash-detector verdicts issued, by verdict.",
	}, []string{"verdict"})

	// ConsumerExpireTotal counts consumers reaped for idling out.
	ConsumerExpireTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunerd_consumer_expire_total",
		Help: "Total number of consumers expired for exceeding the idle window.",
	})

	// ValidatorRewriteTotal counts C9 type-code rewrites, by kind.
	ValidatorRewriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunerd_validator_rewrite_total",
		Help: "Total number of forbidden-type-code rewrites performed by the metadata validator.",
	}, []string{"kind"})

	// SSDPResponseTotal counts SSDP M-SEARCH responses sent.
	SSDPResponseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunerd_ssdp_response_total",
		Help: "Total number of SSDP M-SEARCH responses sent.",
	})
)

// SetActiveSessions updates the overall active-session gauge.
func SetActiveSessions(n float64) { ActiveSessions.Set(n) }

// SetActiveSessionsForChannel updates the per-channel active-session gauge.
func SetActiveSessionsForChannel(channelID string, n float64) {
	ActiveSessionsByChannel.WithLabelValues(channelID).Set(n)
}

// RecordAdmit increments the admission counter.
func RecordAdmit() { AdmissionAdmitTotal.Inc() }

// RecordReject increments the rejection counter for reason.
func RecordReject(reason string) { AdmissionRejectTotal.WithLabelValues(reason).Inc() }

// RecordCrashVerdict increments the crash-verdict counter.
func RecordCrashVerdict(verdict string) { CrashVerdictTotal.WithLabelValues(verdict).Inc() }

// RecordValidatorRewrite increments the validator rewrite counter.
func RecordValidatorRewrite(kind string) { ValidatorRewriteTotal.WithLabelValues(kind).Inc() }

// RecordSSDPResponse increments the SSDP M-SEARCH response counter.
func RecordSSDPResponse() { SSDPResponseTotal.Inc() }
