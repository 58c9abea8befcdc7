package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap/imaptest"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
)

// heldStore parks the first write until release is closed.
type heldStore struct {
	*store.MemoryStore
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *heldStore) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.held)
		<-s.release
	}
	return s.MemoryStore.SaveAccountFolderStates(ctx, save)
}

func addHeader(t *testing.T, a *Account, folderID string, uid uint32) {
	t.Helper()
	s, err := a.FolderStorage(folderID)
	require.NoError(t, err)
	s.(*folderstore.Cache).AddHeaders(&models.MessageHeader{UID: uid, Date: time.Now(), Subject: "hello"})
}

func TestSaveAccountState_WritesDirtySnapshotsOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	inbox := env.folderByPath(t, "INBOX")
	addHeader(t, env.account, inbox.ID, 1)

	require.NoError(t, env.account.SaveAccountState(nil).Wait(testContext(t)))

	state, err := env.store.LoadAccountState(testContext(t), testAccountID)
	require.NoError(t, err)
	assert.Len(t, state.Folders, 4)
	require.Contains(t, state.Snapshots, inbox.ID)
	assert.Len(t, state.Snapshots, 1, "clean folders have no snapshot")

	begins := env.sink.OfKind(observe.SaveAccountStateBegin)
	require.NotEmpty(t, begins)
	assert.Equal(t, 1, begins[len(begins)-1].Fields["snapshots"])
	assert.Equal(t, env.sink.Count(observe.SaveAccountStateBegin), env.sink.Count(observe.SaveAccountStateEnd))
}

func TestSaveAccountState_DeadListClearedAtCallTime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	sent := env.folderByPath(t, "Sent")

	_, err := env.account.DeleteFolder(testContext(t), sent.ID)
	require.NoError(t, err)

	env.store.FailSaves = errors.New("disk full")
	err = env.account.SaveAccountState(nil).Wait(testContext(t))
	assert.ErrorContains(t, err, "disk full")

	env.account.mu.Lock()
	assert.Empty(t, env.account.deadFolderIDs, "dead list is not restored after a failed write")
	env.account.mu.Unlock()

	env.store.FailSaves = nil
	require.NoError(t, env.account.SaveAccountState(nil).Wait(testContext(t)))
	state, err := env.store.LoadAccountState(testContext(t), testAccountID)
	require.NoError(t, err)
	assert.Contains(t, state.Folders, sent.ID, "the lost deletion leaves the stale record behind")
}

func TestSaveAccountState_JoinsCallerTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	saves := env.store.Saves()

	tx, err := env.store.Begin(testContext(t))
	require.NoError(t, err)
	require.NoError(t, env.account.SaveAccountState(tx).Wait(testContext(t)))
	assert.Equal(t, saves, env.store.Saves(), "nothing is written before the caller commits")

	require.NoError(t, tx.Commit(testContext(t)))
	assert.Equal(t, saves+1, env.store.Saves())
}

func TestCheckpointSyncCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.account.CheckpointSyncCompleted().Wait(testContext(t)))

	state, err := env.store.LoadAccountState(testContext(t), testAccountID)
	require.NoError(t, err)
	assert.Empty(t, state.Folders)
}

func TestCheckpoint_WaitHonorsContext(t *testing.T) {
	cp := &Checkpoint{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cp.Wait(ctx), context.Canceled)
}

func TestSaveAccountState_WritesInCallOrder(t *testing.T) {
	held := &heldStore{held: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, func(o *Options) {
		held.MemoryStore = o.Store.(*store.MemoryStore)
		o.Store = held
	})
	ctx := testContext(t)

	require.NoError(t, env.account.SyncFolderList(ctx))
	<-held.held
	sent := env.folderByPath(t, "Sent")

	env.server.SetMailboxes(
		imaptest.Mailbox("INBOX"),
		imaptest.Mailbox("Archive"),
		imaptest.Mailbox("Archive/2024"),
		imaptest.Mailbox("Extra"),
	)
	require.NoError(t, env.account.SyncFolderList(ctx))
	assert.Never(t, func() bool { return env.store.Saves() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"a newer save does not overtake a held one")

	close(held.release)
	require.NoError(t, env.account.SaveAccountState(nil).Wait(ctx))

	state, err := env.store.LoadAccountState(ctx, testAccountID)
	require.NoError(t, err)
	assert.Len(t, state.Folders, 4)
	assert.NotContains(t, state.Folders, sent.ID, "dead folder stays deleted")
	assert.Equal(t, env.account.Meta().NextFolderNum, state.Meta.NextFolderNum)

	restored, err := Open(ctx, Options{ID: testAccountID, Dialer: env.dialer, Store: env.store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Shutdown(context.Background()) })
	env.server.SetMailboxes(
		imaptest.Mailbox("INBOX"),
		imaptest.Mailbox("Archive"),
		imaptest.Mailbox("Archive/2024"),
		imaptest.Mailbox("Extra"),
		imaptest.Mailbox("Newer"),
	)
	require.NoError(t, restored.SyncFolderList(ctx))

	ids := make(map[string]string)
	for _, f := range restored.Folders() {
		other, dup := ids[f.ID]
		assert.False(t, dup, "id %s used by %q and %q", f.ID, other, f.Path)
		ids[f.ID] = f.Path
	}
	assert.Len(t, ids, 5)
}
