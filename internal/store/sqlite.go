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

	"github.com/vdavid/vmail/accountsync/internal/models"
)

// SQLiteStore keeps account state in a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL mode
// and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
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

type folderInfoRow struct {
	Info string `db:"info"`
}

type folderSnapshotRow struct {
	FolderID string `db:"folder_id"`
	Data     []byte `db:"data"`
}

func (s *SQLiteStore) LoadAccountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	var metaJSON string
	err := s.db.GetContext(ctx, &metaJSON, "SELECT meta FROM account_meta WHERE account_id = ?", accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading account meta %s: %w", accountID, err)
	}

	state := &models.AccountState{
		AccountID: accountID,
		Folders:   make(map[string]*models.FolderInfo),
		Snapshots: make(map[string][]byte),
	}
	if err := json.Unmarshal([]byte(metaJSON), &state.Meta); err != nil {
		return nil, fmt.Errorf("unmarshaling account meta: %w", err)
	}

	var infoRows []folderInfoRow
	err = s.db.SelectContext(ctx, &infoRows,
		"SELECT info FROM folder_info WHERE account_id = ? ORDER BY path", accountID)
	if err != nil {
		return nil, fmt.Errorf("reading folder infos: %w", err)
	}
	for _, row := range infoRows {
		var info models.FolderInfo
		if err := json.Unmarshal([]byte(row.Info), &info); err != nil {
			return nil, fmt.Errorf("unmarshaling folder info: %w", err)
		}
		state.Folders[info.Meta.ID] = &info
	}

	var snapshotRows []folderSnapshotRow
	err = s.db.SelectContext(ctx, &snapshotRows,
		"SELECT folder_id, data FROM folder_snapshot WHERE account_id = ?", accountID)
	if err != nil {
		return nil, fmt.Errorf("reading folder snapshots: %w", err)
	}
	for _, row := range snapshotRows {
		state.Snapshots[row.FolderID] = row.Data
	}

	return state, nil
}

func (s *SQLiteStore) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SaveAccountFolderStates(ctx, save); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx   *sqlx.Tx
	done bool
}

func (t *sqliteTx) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	if t.done {
		return ErrTxDone
	}
	now := time.Now().UTC()

	metaJSON, err := json.Marshal(save.Meta)
	if err != nil {
		return fmt.Errorf("marshaling account meta: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO account_meta (account_id, meta, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET meta = excluded.meta, updated_at = excluded.updated_at`,
		save.AccountID, string(metaJSON), now,
	)
	if err != nil {
		return fmt.Errorf("upserting account meta %s: %w", save.AccountID, err)
	}

	if len(save.FolderInfos) > 0 {
		stmt, err := t.tx.PreparexContext(ctx, `
			INSERT OR REPLACE INTO folder_info (account_id, folder_id, path, info, updated_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing folder info statement: %w", err)
		}
		defer stmt.Close()

		for id, info := range save.FolderInfos {
			infoJSON, err := json.Marshal(info)
			if err != nil {
				return fmt.Errorf("marshaling folder info %s: %w", id, err)
			}
			if _, err := stmt.ExecContext(ctx, save.AccountID, id, info.Meta.Path, string(infoJSON), now); err != nil {
				return fmt.Errorf("upserting folder info %s: %w", id, err)
			}
		}
	}

	for _, snapshot := range save.Snapshots {
		_, err := t.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO folder_snapshot (account_id, folder_id, data, updated_at)
			VALUES (?, ?, ?, ?)`,
			save.AccountID, snapshot.FolderID, snapshot.Data, now,
		)
		if err != nil {
			return fmt.Errorf("upserting folder snapshot %s: %w", snapshot.FolderID, err)
		}
	}

	if len(save.DeadFolderIDs) > 0 {
		query, args, err := sqlx.In(
			"DELETE FROM folder_snapshot WHERE account_id = ? AND folder_id IN (?)",
			save.AccountID, save.DeadFolderIDs)
		if err != nil {
			return fmt.Errorf("building snapshot delete: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("deleting dead folder snapshots: %w", err)
		}

		query, args, err = sqlx.In(
			"DELETE FROM folder_info WHERE account_id = ? AND folder_id IN (?)",
			save.AccountID, save.DeadFolderIDs)
		if err != nil {
			return fmt.Errorf("building folder delete: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("deleting dead folder infos: %w", err)
		}
	}

	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing account state: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
