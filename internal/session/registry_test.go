package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(limits Limits) *Registry {
	return NewRegistry(limits, time.Hour)
}

func TestAdmit_RejectsDuplicateClientOnSameChannel(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 10})
	fp := ClientFingerprint("fp-1")

	first := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: fp})
	require.Equal(t, RejectNone, first.Rejected)

	second := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: fp})
	require.Equal(t, RejectDuplicateClient, second.Rejected)
	require.Equal(t, first.Record.ID, second.ExistingSessionID)
}

func TestAdmit_SameClientDifferentChannelAllowed(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 10})
	fp := ClientFingerprint("fp-1")

	first := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: fp})
	require.Equal(t, RejectNone, first.Rejected)

	second := r.Admit(AdmitRequest{ChannelID: "ch2", Fingerprint: fp})
	require.Equal(t, RejectNone, second.Rejected)
}

func TestAdmit_EnforcesGlobalMax(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 1, PerChannel: 10})

	first := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, RejectNone, first.Rejected)

	second := r.Admit(AdmitRequest{ChannelID: "ch2", Fingerprint: "fp-b"})
	require.Equal(t, RejectGlobalMax, second.Rejected)
}

func TestAdmit_EnforcesPerChannelMax(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 1})

	first := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, RejectNone, first.Rejected)

	second := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-b"})
	require.Equal(t, RejectChannelMax, second.Rejected)
}

func TestTeardown_IsIdempotent(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 10})
	res := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, RejectNone, res.Rejected)

	calls := 0
	r.SetStopFunc(res.Record.ID, func(reason TeardownReason) { calls++ })

	ctx := context.Background()
	r.Teardown(ctx, res.Record.ID, ReasonDisconnect)
	r.Teardown(ctx, res.Record.ID, ReasonDisconnect)

	require.Equal(t, 1, calls)

	_, ok := r.Get(res.Record.ID)
	require.False(t, ok)
}

func TestRecordActivity_TransitionsAdmittingToStreaming(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 10})
	res := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})

	r.RecordActivity(res.Record.ID, 1024)

	rec, ok := r.Get(res.Record.ID)
	require.True(t, ok)
	snap := rec.snapshot(time.Now())
	require.Equal(t, StateStreaming, snap.State)
	require.Equal(t, int64(1024), snap.TransferredBytes)
}

func TestEnumerate_ReturnsConsistentSnapshots(t *testing.T) {
	r := newTestRegistry(Limits{GlobalMax: 10, PerChannel: 10})
	a := r.Admit(AdmitRequest{ChannelID: "ch2", Fingerprint: "fp-a"})
	b := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-b"})
	require.Equal(t, RejectNone, a.Rejected)
	require.Equal(t, RejectNone, b.Rejected)

	snaps := r.Enumerate(true)
	require.Len(t, snaps, 2)
	require.Equal(t, "ch1", snaps[0].ChannelID)
	require.Equal(t, "ch2", snaps[1].ChannelID)
}

func TestSweep_TerminatesSessionsOlderThanHardAge(t *testing.T) {
	r := NewRegistry(Limits{GlobalMax: 10, PerChannel: 10}, 10*time.Millisecond)
	res := r.Admit(AdmitRequest{ChannelID: "ch1", Fingerprint: "fp-a"})
	require.Equal(t, RejectNone, res.Rejected)

	time.Sleep(20 * time.Millisecond)
	r.Sweep(context.Background())

	_, ok := r.Get(res.Record.ID)
	require.False(t, ok)
}
