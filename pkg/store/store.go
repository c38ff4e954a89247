package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable per-device replica of server-known conversational
// state: messages, conversations, contacts, assistant messages, and sync
// metadata, with secondary indices for the query paths the portal uses.
//
// Failure semantics: the store is a best-effort cache, not the system of
// record. Every exported operation catches its own I/O failures, logs them,
// and returns a safe default — an empty slice, a nil record, or a silent
// no-op. A store failure never propagates to application code.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	// Cached session user id so unread accounting works fully offline.
	// Mirrors the sync_meta row; loaded once at open.
	sessionMu     sync.RWMutex
	sessionUserID string
}

// New opens (or creates) the device database at path and ensures the schema.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	log = log.With().Str("component", "store").Logger()
	db.Log = dbutil.ZeroLogger(log)
	s := &Store{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.sessionUserID, _ = s.getMeta(ctx, metaSessionUser)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT,
			content         TEXT NOT NULL DEFAULT '',
			thread_type     TEXT NOT NULL DEFAULT 'direct',
			created_at      BIGINT NOT NULL,
			read_at         BIGINT,
			delivered_at    BIGINT,
			edited_at       BIGINT,
			deleted_at      BIGINT,
			reactions_json  TEXT,
			pending         BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id              TEXT PRIMARY KEY,
			thread_type     TEXT NOT NULL DEFAULT 'direct',
			participant_a   TEXT,
			participant_b   TEXT,
			last_message_at BIGINT NOT NULL DEFAULT 0,
			unread_count    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contact (
			id           TEXT PRIMARY KEY,
			org_id       TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			email        TEXT,
			avatar_url   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS assistant_message (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL,
			edited_at       BIGINT,
			deleted_at      BIGINT,
			pending         BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conv_created_idx
			ON message (conversation_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS message_created_idx
			ON message (created_at, id)`,
		`CREATE INDEX IF NOT EXISTS message_sender_idx
			ON message (sender_id)`,
		`CREATE INDEX IF NOT EXISTS message_recipient_idx
			ON message (recipient_id)`,
		`CREATE INDEX IF NOT EXISTS conversation_recency_idx
			ON conversation (last_message_at)`,
		`CREATE INDEX IF NOT EXISTS conversation_thread_type_idx
			ON conversation (thread_type)`,
		`CREATE INDEX IF NOT EXISTS contact_org_name_idx
			ON contact (org_id, display_name)`,
		`CREATE INDEX IF NOT EXISTS assistant_message_created_idx
			ON assistant_message (created_at, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure local store schema: %w", err)
		}
	}
	return nil
}

// ClearAll wipes every collection and the metadata table. Used on explicit
// logout/reset only; there is no per-record expiry.
func (s *Store) ClearAll(ctx context.Context) {
	for _, table := range []string{"message", "conversation", "contact", "assistant_message", "sync_meta"} {
		if _, err := s.db.Exec(ctx, "DELETE FROM "+table); err != nil {
			s.log.Err(err).Str("table", table).Msg("Failed to clear collection")
		}
	}
	s.sessionMu.Lock()
	s.sessionUserID = ""
	s.sessionMu.Unlock()
}

// Stats reports per-collection counts plus the last sync timestamp, for
// diagnostics.
type Stats struct {
	Messages          int
	Conversations     int
	Contacts          int
	AssistantMessages int
	MetaEntries       int
	LastSyncAt        int64
}

// Stats counts every collection. Counts that fail to read report as zero.
func (s *Store) Stats(ctx context.Context) Stats {
	count := func(table string) int {
		var n int
		if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			s.log.Err(err).Str("table", table).Msg("Failed to count collection")
			return 0
		}
		return n
	}
	return Stats{
		Messages:          count("message"),
		Conversations:     count("conversation"),
		Contacts:          count("contact"),
		AssistantMessages: count("assistant_message"),
		MetaEntries:       count("sync_meta"),
		LastSyncAt:        s.LastSyncAt(ctx),
	}
}

// ============================================================================
// Sync metadata: cursors, last sync timestamp, cached session user
// ============================================================================

const (
	metaLastSyncAt  = "last_sync_at"
	metaSessionUser = "session_user_id"
	cursorPrefix    = "cursor:"
)

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, "SELECT value FROM sync_meta WHERE key=$1", key).Scan(&value)
	if err != nil {
		if errIsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_meta (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts
	`, key, value, time.Now().UnixMilli())
	return err
}

// Cursor returns the saved cursor for a sync stream, or "" if none is saved.
// An empty cursor means "backfill from the beginning", not an error.
func (s *Store) Cursor(ctx context.Context, stream string) string {
	cursor, err := s.getMeta(ctx, cursorPrefix+stream)
	if err != nil {
		s.log.Err(err).Str("stream", stream).Msg("Failed to read sync cursor")
		return ""
	}
	return cursor
}

// SetCursor advances the saved cursor for a sync stream.
func (s *Store) SetCursor(ctx context.Context, stream, cursor string) {
	if err := s.setMeta(ctx, cursorPrefix+stream, cursor); err != nil {
		s.log.Err(err).Str("stream", stream).Msg("Failed to persist sync cursor")
	}
}

// LastSyncAt returns the unix-ms timestamp of the last completed sync pass,
// or 0 if none has completed.
func (s *Store) LastSyncAt(ctx context.Context) int64 {
	value, err := s.getMeta(ctx, metaLastSyncAt)
	if err != nil {
		s.log.Err(err).Msg("Failed to read last sync timestamp")
		return 0
	}
	if value == "" {
		return 0
	}
	var ts int64
	fmt.Sscanf(value, "%d", &ts)
	return ts
}

// SetLastSyncAt records the completion time of a sync pass.
func (s *Store) SetLastSyncAt(ctx context.Context, ts int64) {
	if err := s.setMeta(ctx, metaLastSyncAt, fmt.Sprintf("%d", ts)); err != nil {
		s.log.Err(err).Msg("Failed to persist last sync timestamp")
	}
}

// SessionUserID returns the cached session user id, enabling fully offline
// operation before the first authenticated connection of a process.
func (s *Store) SessionUserID() string {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.sessionUserID
}

// SetSessionUserID caches the authenticated user id.
func (s *Store) SetSessionUserID(ctx context.Context, userID string) {
	if err := s.setMeta(ctx, metaSessionUser, userID); err != nil {
		s.log.Err(err).Msg("Failed to persist session user id")
	}
	s.sessionMu.Lock()
	s.sessionUserID = userID
	s.sessionMu.Unlock()
}
