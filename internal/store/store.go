// Package store keeps mailpin's local state in SQLite: per-folder sync
// positions, the tag registry, a metadata cache for list views, and
// thread links.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sqlx.DB
}

// SyncState is the saved fetch position for one remote folder.
type SyncState struct {
	AccountKey  string `db:"account_key"`
	UIDValidity uint32 `db:"uidvalidity"`
	UIDNext     uint32 `db:"uidnext"`
	ModSeq      uint64 `db:"modseq"`
}

// Tag is a stored tag with its display color.
type Tag struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Color string `db:"color"`
}

// MessageMeta is the cached list-view record for one message.
type MessageMeta struct {
	UID     uint32    `db:"uid"`
	MsgID   string    `db:"msgid"`
	ThreadID string   `db:"thrid"`
	SHA256  string    `db:"sha256"`
	Subject string    `db:"subject"`
	Sender  string    `db:"sender"`
	Date    time.Time `db:"date"`
	Flags   []string  `db:"-"`
	Preview string    `db:"preview"`
}

// New opens (or creates) the database at path, enables WAL mode, and
// runs any pending schema migrations.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetSyncState returns the saved position for an account key, or a
// zero-value position for unknown keys.
func (s *Store) GetSyncState(ctx context.Context, accountKey string) (SyncState, error) {
	var state SyncState
	err := s.db.GetContext(ctx, &state,
		"SELECT account_key, uidvalidity, uidnext, modseq FROM sync_state WHERE account_key = ?",
		accountKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{AccountKey: accountKey, UIDNext: 1}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("reading sync state: %w", err)
	}
	return state, nil
}

// PutSyncState persists a fetch position.
func (s *Store) PutSyncState(ctx context.Context, state SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_key, uidvalidity, uidnext, modseq, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_key) DO UPDATE SET
			uidvalidity = excluded.uidvalidity,
			uidnext = excluded.uidnext,
			modseq = excluded.modseq,
			updated_at = CURRENT_TIMESTAMP`,
		state.AccountKey, state.UIDValidity, state.UIDNext, state.ModSeq,
	)
	if err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}
	return nil
}

// UpsertTag inserts or updates a tag.
func (s *Store) UpsertTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name, color)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color`,
		tag.ID, tag.Name, tag.Color,
	)
	if err != nil {
		return fmt.Errorf("writing tag: %w", err)
	}
	return nil
}

// GetTag returns one tag by id.
func (s *Store) GetTag(ctx context.Context, id string) (Tag, bool, error) {
	var tag Tag
	err := s.db.GetContext(ctx, &tag, "SELECT id, name, color FROM tags WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, false, nil
	}
	if err != nil {
		return Tag{}, false, fmt.Errorf("reading tag: %w", err)
	}
	return tag, true, nil
}

// ListTags returns all stored tags.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	var out []Tag
	if err := s.db.SelectContext(ctx, &out, "SELECT id, name, color FROM tags ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	return out, nil
}

// UpsertMessages inserts or replaces a batch of message metadata rows.
func (s *Store) UpsertMessages(ctx context.Context, msgs []MessageMeta) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR REPLACE INTO messages (
			uid, msgid, thrid, sha256, subject, sender, date, flags, preview, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		flags, err := json.Marshal(m.Flags)
		if err != nil {
			return fmt.Errorf("encoding flags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.UID, m.MsgID, m.ThreadID, m.SHA256, m.Subject, m.Sender, m.Date, string(flags), m.Preview,
		); err != nil {
			return fmt.Errorf("upserting message %d: %w", m.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// KnownHashes returns the SHA-256 set of every cached message, used by
// the syncer to dedup refetched mail.
func (s *Store) KnownHashes(ctx context.Context) (map[string]bool, error) {
	var hashes []string
	err := s.db.SelectContext(ctx, &hashes, "SELECT sha256 FROM messages WHERE sha256 != ''")
	if err != nil {
		return nil, fmt.Errorf("listing hashes: %w", err)
	}
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		out[h] = true
	}
	return out, nil
}

// GetMessage returns cached metadata for a UID.
func (s *Store) GetMessage(ctx context.Context, uid uint32) (MessageMeta, bool, error) {
	row := struct {
		MessageMeta
		RawFlags string `db:"flags"`
	}{}
	err := s.db.GetContext(ctx, &row,
		"SELECT uid, msgid, thrid, sha256, subject, sender, date, flags, preview FROM messages WHERE uid = ?",
		uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageMeta{}, false, nil
	}
	if err != nil {
		return MessageMeta{}, false, fmt.Errorf("reading message: %w", err)
	}
	meta := row.MessageMeta
	if err := json.Unmarshal([]byte(row.RawFlags), &meta.Flags); err != nil {
		return MessageMeta{}, false, fmt.Errorf("decoding flags: %w", err)
	}
	return meta, true, nil
}

// ListThread returns cached metadata for every message in a thread,
// oldest first.
func (s *Store) ListThread(ctx context.Context, thrid string) ([]MessageMeta, error) {
	rows := []struct {
		MessageMeta
		RawFlags string `db:"flags"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT uid, msgid, thrid, sha256, subject, sender, date, flags, preview FROM messages WHERE thrid = ? ORDER BY date",
		thrid,
	)
	if err != nil {
		return nil, fmt.Errorf("listing thread: %w", err)
	}
	out := make([]MessageMeta, 0, len(rows))
	for _, row := range rows {
		meta := row.MessageMeta
		if err := json.Unmarshal([]byte(row.RawFlags), &meta.Flags); err != nil {
			return nil, fmt.Errorf("decoding flags: %w", err)
		}
		out = append(out, meta)
	}
	return out, nil
}

// LinkThreads records that the given message ids belong to one linked
// conversation and returns the link id.
func (s *Store) LinkThreads(ctx context.Context, linkID string, msgids []string) error {
	if len(msgids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// merge any links the members already belong to
	var existing []string
	query, args, err := sqlx.In("SELECT DISTINCT link_id FROM thread_links WHERE msgid IN (?)", msgids)
	if err != nil {
		return fmt.Errorf("building link query: %w", err)
	}
	if err := tx.SelectContext(ctx, &existing, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("reading existing links: %w", err)
	}
	if len(existing) > 0 {
		query, args, err = sqlx.In("UPDATE thread_links SET link_id = ? WHERE link_id IN (?)", linkID, existing)
		if err != nil {
			return fmt.Errorf("building link merge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("merging links: %w", err)
		}
	}

	for _, msgid := range msgids {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO thread_links (link_id, msgid) VALUES (?, ?)",
			linkID, msgid,
		); err != nil {
			return fmt.Errorf("linking %s: %w", msgid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LinkedMessageIDs returns every message id linked with the given one,
// including itself, or nil when it is not linked.
func (s *Store) LinkedMessageIDs(ctx context.Context, msgid string) ([]string, error) {
	var linkID string
	err := s.db.GetContext(ctx, &linkID, "SELECT link_id FROM thread_links WHERE msgid = ?", msgid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading link: %w", err)
	}

	var out []string
	err = s.db.SelectContext(ctx, &out,
		"SELECT msgid FROM thread_links WHERE link_id = ? ORDER BY msgid", linkID)
	if err != nil {
		return nil, fmt.Errorf("listing link members: %w", err)
	}
	return out, nil
}
