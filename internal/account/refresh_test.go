package account

import (
	"context"
	"errors"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/imap/imaptest"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

func addServerMessages(env *testEnv, mailbox string, n int) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		env.server.AddMessage(mailbox, models.MessageHeader{
			UID:     uint32(i),
			Date:    base.Add(time.Duration(i) * time.Hour),
			Subject: "message",
			Flags:   []string{goimap.SeenFlag},
		})
	}
}

func TestRefreshFolder_FetchesNewestHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	inbox := env.folderByPath(t, "INBOX")
	addServerMessages(env, "INBOX", 5)
	saves := env.store.Saves()

	n, err := env.account.RefreshFolder(testContext(t), inbox.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	storage, err := env.account.FolderStorage(inbox.ID)
	require.NoError(t, err)
	headers := storage.(*folderstore.Cache).Headers()
	require.Len(t, headers, 3)
	assert.Equal(t, []uint32{5, 4, 3}, []uint32{headers[0].UID, headers[1].UID, headers[2].UID})
	assert.Contains(t, headers[0].Flags, goimap.SeenFlag)

	require.Eventually(t, func() bool { return env.store.Saves() > saves }, time.Second, 5*time.Millisecond)
	conn := env.dialer.Conns()[0]
	require.Eventually(t, func() bool { return conn.Closes() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, env.sink.Count(observe.RefreshFolder))
}

func TestRefreshFolder_ClampsLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	inbox := env.folderByPath(t, "INBOX")
	addServerMessages(env, "INBOX", 5)

	n, err := env.account.RefreshFolder(testContext(t), inbox.ID, 1<<32)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "a limit past uint32 does not wrap to an empty range")
}

func TestRefreshFolder_SilentServerTimesOut(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.MaxConns = 1
		o.CommandTimeout = 50 * time.Millisecond
	})
	env.sync(t)
	inbox := env.folderByPath(t, "INBOX")
	env.dialer.Conns()[0].StopAnswering()

	started := time.Now()
	_, err := env.account.RefreshFolder(context.Background(), inbox.ID, 0)
	assert.Equal(t, imap.KindUnknown, KindOf(err))
	assert.Less(t, time.Since(started), time.Second)

	lease, err := env.account.Acquire(testContext(t), "", "after", nil)
	require.NoError(t, err, "the only pool slot is handed back")
	lease.Release(false, false)
}

func TestRefreshFolder_EmptyFolder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	saves := env.store.Saves()

	n, err := env.account.RefreshFolder(testContext(t), env.folderByPath(t, "Sent").ID, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, saves, env.store.Saves(), "nothing fetched, nothing saved")
}

func TestRefreshFolder_Errors(t *testing.T) {
	t.Run("unknown folder", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.account.RefreshFolder(testContext(t), "acct/zz", 0)
		assert.ErrorIs(t, err, ErrNoSuchFolder)
	})

	t.Run("fetch failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.sync(t)
		addServerMessages(env, "INBOX", 1)
		env.dialer.Conns()[0].FetchErr = errors.New("NO fetch failed")

		_, err := env.account.RefreshFolder(testContext(t), env.folderByPath(t, "INBOX").ID, 0)
		assert.Equal(t, imap.KindUnknown, KindOf(err))
		require.Equal(t, 1, env.sink.Count(observe.RefreshFolder))
		assert.Error(t, env.sink.OfKind(observe.RefreshFolder)[0].Err)
	})

	t.Run("noselect folders are skipped", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.server.SetMailboxes(imaptest.Mailbox("INBOX"), imaptest.Mailbox("Parent", goimap.NoSelectAttr))
		env.sync(t)
		calls := len(env.dialer.Conns()[0].Commands())

		n, err := env.account.RefreshFolder(testContext(t), env.folderByPath(t, "Parent").ID, 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, env.dialer.Conns()[0].Commands(), calls)
	})
}

func TestWatchInbox_RefreshesOnChange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)
	inbox := env.folderByPath(t, "INBOX")

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go func() { _ = env.account.WatchInbox(ctx) }()

	conn := env.dialer.Conns()[0]
	require.Eventually(t, func() bool {
		for _, cmd := range conn.Commands() {
			if cmd == "IDLE INBOX" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	addServerMessages(env, "INBOX", 1)

	storage, err := env.account.FolderStorage(inbox.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(storage.(*folderstore.Cache).Headers()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.notifier.mu.Lock()
	changed := append([]models.FolderMeta(nil), env.notifier.changed...)
	env.notifier.mu.Unlock()
	require.Len(t, changed, 1)
	assert.Equal(t, inbox.ID, changed[0].ID)
}
