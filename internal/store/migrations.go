package store

// migration is one SQLite schema step.
type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_meta (
	account_id TEXT PRIMARY KEY,
	meta       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folder_info (
	account_id TEXT NOT NULL REFERENCES account_meta (account_id) ON DELETE CASCADE,
	folder_id  TEXT NOT NULL,
	path       TEXT NOT NULL,
	info       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder_id)
);

CREATE INDEX IF NOT EXISTS idx_folder_info_account_path ON folder_info (account_id, path);

CREATE TABLE IF NOT EXISTS folder_snapshot (
	account_id TEXT NOT NULL REFERENCES account_meta (account_id) ON DELETE CASCADE,
	folder_id  TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder_id)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
