package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// ErrAccountStateNotFound is returned when nothing was ever saved for an account.
var ErrAccountStateNotFound = errors.New("account state not found")

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx, so the same
// queries run standalone or inside a checkpoint transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertAccountMeta stores the account-wide metadata.
func UpsertAccountMeta(ctx context.Context, q Querier, accountID string, meta *models.AccountMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal account meta: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO account_meta (account_id, meta, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE SET
			meta = EXCLUDED.meta,
			updated_at = now()
	`, accountID, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert account meta: %w", err)
	}

	return nil
}

// GetAccountMeta loads the account-wide metadata.
func GetAccountMeta(ctx context.Context, q Querier, accountID string) (*models.AccountMeta, error) {
	var payload []byte
	err := q.QueryRow(ctx, `
		SELECT meta FROM account_meta WHERE account_id = $1
	`, accountID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountStateNotFound
		}
		return nil, fmt.Errorf("failed to get account meta: %w", err)
	}

	var meta models.AccountMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account meta: %w", err)
	}

	return &meta, nil
}

// UpsertFolderInfo stores one folder record.
func UpsertFolderInfo(ctx context.Context, q Querier, accountID string, info *models.FolderInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal folder info: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO folder_info (account_id, folder_id, path, info, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account_id, folder_id) DO UPDATE SET
			path = EXCLUDED.path,
			info = EXCLUDED.info,
			updated_at = now()
	`, accountID, info.Meta.ID, info.Meta.Path, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert folder info %s: %w", info.Meta.ID, err)
	}

	return nil
}

// GetFolderInfos returns every folder record of the account keyed by folder id.
func GetFolderInfos(ctx context.Context, q Querier, accountID string) (map[string]*models.FolderInfo, error) {
	rows, err := q.Query(ctx, `
		SELECT info FROM folder_info WHERE account_id = $1 ORDER BY path
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder infos: %w", err)
	}
	defer rows.Close()

	infos := make(map[string]*models.FolderInfo)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan folder info: %w", err)
		}
		var info models.FolderInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal folder info: %w", err)
		}
		infos[info.Meta.ID] = &info
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate folder infos: %w", err)
	}

	return infos, nil
}

// UpsertFolderSnapshot stores the latest content-store snapshot of a folder.
func UpsertFolderSnapshot(ctx context.Context, q Querier, accountID string, snapshot models.FolderSnapshot) error {
	_, err := q.Exec(ctx, `
		INSERT INTO folder_snapshot (account_id, folder_id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, folder_id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = now()
	`, accountID, snapshot.FolderID, snapshot.Data)
	if err != nil {
		return fmt.Errorf("failed to upsert folder snapshot %s: %w", snapshot.FolderID, err)
	}

	return nil
}

// GetFolderSnapshots returns the stored snapshots keyed by folder id.
func GetFolderSnapshots(ctx context.Context, q Querier, accountID string) (map[string][]byte, error) {
	rows, err := q.Query(ctx, `
		SELECT folder_id, data FROM folder_snapshot WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[string][]byte)
	for rows.Next() {
		var folderID string
		var data []byte
		if err := rows.Scan(&folderID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan folder snapshot: %w", err)
		}
		snapshots[folderID] = data
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate folder snapshots: %w", err)
	}

	return snapshots, nil
}

// DeleteFolders removes the records and snapshots of folders that no longer exist.
func DeleteFolders(ctx context.Context, q Querier, accountID string, folderIDs []string) error {
	if len(folderIDs) == 0 {
		return nil
	}

	if _, err := q.Exec(ctx, `
		DELETE FROM folder_snapshot WHERE account_id = $1 AND folder_id = ANY($2)
	`, accountID, folderIDs); err != nil {
		return fmt.Errorf("failed to delete folder snapshots: %w", err)
	}

	if _, err := q.Exec(ctx, `
		DELETE FROM folder_info WHERE account_id = $1 AND folder_id = ANY($2)
	`, accountID, folderIDs); err != nil {
		return fmt.Errorf("failed to delete folder infos: %w", err)
	}

	return nil
}

// SaveAccountState applies one checkpoint. Run it inside a transaction so it is atomic.
func SaveAccountState(ctx context.Context, q Querier, save *models.AccountStateSave) error {
	if err := UpsertAccountMeta(ctx, q, save.AccountID, &save.Meta); err != nil {
		return err
	}

	for _, info := range save.FolderInfos {
		if err := UpsertFolderInfo(ctx, q, save.AccountID, info); err != nil {
			return err
		}
	}

	for _, snapshot := range save.Snapshots {
		if err := UpsertFolderSnapshot(ctx, q, save.AccountID, snapshot); err != nil {
			return err
		}
	}

	return DeleteFolders(ctx, q, save.AccountID, save.DeadFolderIDs)
}

// LoadAccountState reads everything saved for an account.
func LoadAccountState(ctx context.Context, q Querier, accountID string) (*models.AccountState, error) {
	meta, err := GetAccountMeta(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	folders, err := GetFolderInfos(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	snapshots, err := GetFolderSnapshots(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	return &models.AccountState{
		AccountID: accountID,
		Meta:      *meta,
		Folders:   folders,
		Snapshots: snapshots,
	}, nil
}
