package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	account_key  TEXT PRIMARY KEY,
	uidvalidity  INTEGER NOT NULL DEFAULT 0,
	uidnext      INTEGER NOT NULL DEFAULT 1,
	modseq       INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tags (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	color      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	uid       INTEGER PRIMARY KEY,
	msgid     TEXT NOT NULL DEFAULT '',
	thrid     TEXT NOT NULL DEFAULT '',
	sha256    TEXT NOT NULL DEFAULT '',
	subject   TEXT NOT NULL DEFAULT '',
	sender    TEXT NOT NULL DEFAULT '',
	date      DATETIME NOT NULL,
	flags     TEXT NOT NULL DEFAULT '[]',
	preview   TEXT NOT NULL DEFAULT '',
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS thread_links (
	link_id    TEXT NOT NULL,
	msgid      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (link_id, msgid)
);

CREATE INDEX IF NOT EXISTS idx_messages_msgid ON messages(msgid);
CREATE INDEX IF NOT EXISTS idx_messages_sha256 ON messages(sha256);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_thread_links_msgid ON thread_links(msgid);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_thrid ON messages(thrid);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
