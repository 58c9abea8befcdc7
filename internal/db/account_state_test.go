package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/testutil"
)

func folderInfo(id, path string, folderType models.FolderType) *models.FolderInfo {
	return &models.FolderInfo{Meta: models.FolderMeta{
		ID:    id,
		Name:  path,
		Path:  path,
		Type:  folderType,
		Delim: "/",
	}}
}

func TestSaveAndLoadAccountState(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	probedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	save := &models.AccountStateSave{
		AccountID: "acct",
		Meta: models.AccountMeta{
			NextFolderNum:         3,
			NextMutationNum:       7,
			LastFullFolderProbeAt: &probedAt,
			Capability:            []string{"IDLE", "IMAP4rev1"},
			RootDelim:             "/",
		},
		FolderInfos: map[string]*models.FolderInfo{
			"acct/0": folderInfo("acct/0", "INBOX", models.FolderTypeInbox),
			"acct/1": folderInfo("acct/1", "Sent", models.FolderTypeSent),
		},
		Snapshots: []models.FolderSnapshot{{FolderID: "acct/0", Data: []byte(`{"headers":[]}`)}},
	}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, SaveAccountState(ctx, tx, save))
	require.NoError(t, tx.Commit(ctx))

	state, err := LoadAccountState(ctx, pool, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Meta.NextFolderNum)
	assert.Equal(t, int64(7), state.Meta.NextMutationNum)
	require.NotNil(t, state.Meta.LastFullFolderProbeAt)
	assert.True(t, probedAt.Equal(*state.Meta.LastFullFolderProbeAt))
	assert.Equal(t, []string{"IDLE", "IMAP4rev1"}, state.Meta.Capability)
	require.Len(t, state.Folders, 2)
	assert.Equal(t, models.FolderTypeSent, state.Folders["acct/1"].Meta.Type)
	assert.Equal(t, []byte(`{"headers":[]}`), state.Snapshots["acct/0"])

	t.Run("dead folders are removed with their snapshots", func(t *testing.T) {
		next := &models.AccountStateSave{
			AccountID: "acct",
			Meta:      save.Meta,
			FolderInfos: map[string]*models.FolderInfo{
				"acct/1": folderInfo("acct/1", "Sent", models.FolderTypeSent),
			},
			DeadFolderIDs: []string{"acct/0"},
		}
		require.NoError(t, SaveAccountState(ctx, pool, next))

		state, err := LoadAccountState(ctx, pool, "acct")
		require.NoError(t, err)
		assert.NotContains(t, state.Folders, "acct/0")
		assert.NotContains(t, state.Snapshots, "acct/0")
		assert.Contains(t, state.Folders, "acct/1")
	})

	t.Run("rolled back checkpoint leaves nothing behind", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		bumped := save.Meta
		bumped.NextFolderNum = 99
		require.NoError(t, UpsertAccountMeta(ctx, tx, "acct", &bumped))
		require.NoError(t, tx.Rollback(ctx))

		meta, err := GetAccountMeta(ctx, pool, "acct")
		require.NoError(t, err)
		assert.Equal(t, int64(3), meta.NextFolderNum)
	})
}

func TestLoadAccountState_NotFound(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	_, err := LoadAccountState(context.Background(), pool, "missing")
	assert.ErrorIs(t, err, ErrAccountStateNotFound)
}
