package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers "sqlite"
)

// SQLiteStore is a Store backed by an embedded, pure-Go sqlite database.
// It is grounded on the same driver the teacher repo uses for its own
// local persistence (modernc.org/sqlite, cgo-free), repurposed here as
// the concrete ChannelStore collaborator implementation rather than
// Plex's own database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite database at path
// and ensures the channel/stream schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS channels (
	id       TEXT PRIMARY KEY,
	number   INTEGER NOT NULL,
	name     TEXT NOT NULL,
	logo_uri TEXT NOT NULL DEFAULT '',
	epg_id   TEXT NOT NULL DEFAULT '',
	enabled  INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_number_enabled
	ON channels(number) WHERE enabled = 1;
CREATE TABLE IF NOT EXISTS streams (
	id          TEXT PRIMARY KEY,
	channel_id  TEXT NOT NULL REFERENCES channels(id),
	uri         TEXT NOT NULL,
	protocol    TEXT NOT NULL,
	backup_uris TEXT NOT NULL DEFAULT '[]',
	auth_user   TEXT NOT NULL DEFAULT '',
	auth_pass   TEXT NOT NULL DEFAULT '',
	headers     TEXT NOT NULL DEFAULT '{}',
	options     TEXT NOT NULL DEFAULT '{}',
	enabled     INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id);
`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (ChannelEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, number, name, logo_uri, epg_id, enabled FROM channels WHERE id = ?`, id)

	var ch Channel
	var enabled int
	if err := row.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.LogoURI, &ch.EPGID, &enabled); err != nil {
		if err == sql.ErrNoRows {
			return ChannelEntry{}, false, nil
		}
		return ChannelEntry{}, false, fmt.Errorf("catalog: get channel %s: %w", id, err)
	}
	ch.Enabled = enabled != 0

	streams, err := s.streamsForChannel(ctx, id)
	if err != nil {
		return ChannelEntry{}, false, err
	}
	return ChannelEntry{Channel: ch, Streams: streams}, true, nil
}

// ListEnabled implements Store. Only enabled channels with at least one
// enabled stream are returned (spec invariant I1).
func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]ChannelEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, number, name, logo_uri, epg_id, enabled FROM channels WHERE enabled = 1 ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelEntry
	for rows.Next() {
		var ch Channel
		var enabled int
		if err := rows.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.LogoURI, &ch.EPGID, &enabled); err != nil {
			return nil, fmt.Errorf("catalog: scan channel: %w", err)
		}
		ch.Enabled = enabled != 0

		streams, err := s.streamsForChannel(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if _, ok := firstEnabled(streams); !ok {
			continue
		}
		out = append(out, ChannelEntry{Channel: ch, Streams: streams})
	}
	return out, rows.Err()
}

func firstEnabled(streams []Stream) (Stream, bool) {
	for _, s := range streams {
		if s.Enabled {
			return s, true
		}
	}
	return Stream{}, false
}

func (s *SQLiteStore) streamsForChannel(ctx context.Context, channelID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, uri, protocol, backup_uris, auth_user, auth_pass, headers, options, enabled
		 FROM streams WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list streams for %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		var protocol string
		var backupJSON, headersJSON, optionsJSON string
		var enabled int
		if err := rows.Scan(&st.ID, &st.ChannelID, &st.URI, &protocol, &backupJSON,
			&st.AuthUser, &st.AuthPass, &headersJSON, &optionsJSON, &enabled); err != nil {
			return nil, fmt.Errorf("catalog: scan stream: %w", err)
		}
		st.Protocol = Protocol(protocol)
		st.Enabled = enabled != 0
		_ = json.Unmarshal([]byte(backupJSON), &st.BackupURIs)
		_ = json.Unmarshal([]byte(headersJSON), &st.Headers)
		_ = json.Unmarshal([]byte(optionsJSON), &st.Options)
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertChannel inserts or replaces a channel row. Exposed for tests and
// for the (out-of-scope) importer to seed the store.
func (s *SQLiteStore) UpsertChannel(ctx context.Context, ch Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, number, name, logo_uri, epg_id, enabled) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET number=excluded.number, name=excluded.name,
			logo_uri=excluded.logo_uri, epg_id=excluded.epg_id, enabled=excluded.enabled`,
		ch.ID, ch.Number, ch.Name, ch.LogoURI, ch.EPGID, boolToInt(ch.Enabled))
	if err != nil {
		return fmt.Errorf("catalog: upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// UpsertStream inserts or replaces a stream row.
func (s *SQLiteStore) UpsertStream(ctx context.Context, st Stream) error {
	backupJSON, _ := json.Marshal(st.BackupURIs)
	headersJSON, _ := json.Marshal(st.Headers)
	optionsJSON, _ := json.Marshal(st.Options)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (id, channel_id, uri, protocol, backup_uris, auth_user, auth_pass, headers, options, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET channel_id=excluded.channel_id, uri=excluded.uri,
			protocol=excluded.protocol, backup_uris=excluded.backup_uris, auth_user=excluded.auth_user,
			auth_pass=excluded.auth_pass, headers=excluded.headers, options=excluded.options, enabled=excluded.enabled`,
		st.ID, st.ChannelID, st.URI, string(st.Protocol), string(backupJSON), st.AuthUser, st.AuthPass,
		string(headersJSON), string(optionsJSON), boolToInt(st.Enabled))
	if err != nil {
		return fmt.Errorf("catalog: upsert stream %s: %w", st.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
