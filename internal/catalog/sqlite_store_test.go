package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_ListEnabled_FiltersDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertChannel(ctx, Channel{ID: "ch-1", Number: 5, Name: "News", Enabled: true}))
	require.NoError(t, store.UpsertStream(ctx, Stream{ID: "s-1", ChannelID: "ch-1", URI: "https://example.com/x.m3u8", Protocol: ProtocolHLS, Enabled: true}))

	require.NoError(t, store.UpsertChannel(ctx, Channel{ID: "ch-2", Number: 6, Name: "Disabled Channel", Enabled: false}))
	require.NoError(t, store.UpsertStream(ctx, Stream{ID: "s-2", ChannelID: "ch-2", URI: "https://example.com/y.m3u8", Protocol: ProtocolHLS, Enabled: true}))

	require.NoError(t, store.UpsertChannel(ctx, Channel{ID: "ch-3", Number: 7, Name: "No Enabled Stream", Enabled: true}))
	require.NoError(t, store.UpsertStream(ctx, Stream{ID: "s-3", ChannelID: "ch-3", URI: "https://example.com/z.m3u8", Protocol: ProtocolHLS, Enabled: false}))

	entries, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ch-1", entries[0].Channel.ID)

	primary, ok := entries[0].PrimaryStream()
	require.True(t, ok)
	require.Equal(t, "s-1", primary.ID)
}

func TestSQLiteStore_Get_MissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.Get(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_Get_RoundTripsStreamOptions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertChannel(ctx, Channel{ID: "ch-1", Number: 1, Name: "One", Enabled: true}))
	require.NoError(t, store.UpsertStream(ctx, Stream{
		ID:        "s-1",
		ChannelID: "ch-1",
		URI:       "https://example.com/x.m3u8",
		Protocol:  ProtocolHLS,
		Headers:   map[string]string{"X-Custom": "1"},
		Options:   map[string]string{"transport": "tcp"},
		Enabled:   true,
	}))

	entry, ok, err := store.Get(ctx, "ch-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Streams, 1)
	require.Equal(t, "1", entry.Streams[0].Headers["X-Custom"])
	require.Equal(t, "tcp", entry.Streams[0].Options["transport"])
}
