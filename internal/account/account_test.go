package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/backoff"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/imap/imaptest"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
)

const testAccountID = "acct"

type fakeNotifier struct {
	mu       sync.Mutex
	added    []models.FolderMeta
	removed  []models.FolderMeta
	changed  []models.FolderMeta
	problems []imap.ErrorKind
}

func (n *fakeNotifier) FolderAdded(_ string, f models.FolderMeta) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, f)
}

func (n *fakeNotifier) FolderRemoved(_ string, f models.FolderMeta) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, f)
}

func (n *fakeNotifier) FolderChanged(_ string, f models.FolderMeta) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, f)
}

func (n *fakeNotifier) AccountProblem(_ string, kind imap.ErrorKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.problems = append(n.problems, kind)
}

func (n *fakeNotifier) Added() []models.FolderMeta {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.FolderMeta(nil), n.added...)
}

func (n *fakeNotifier) Removed() []models.FolderMeta {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.FolderMeta(nil), n.removed...)
}

func (n *fakeNotifier) Problems() []imap.ErrorKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]imap.ErrorKind(nil), n.problems...)
}

type testEnv struct {
	account  *Account
	server   *imaptest.Server
	dialer   *imaptest.Dialer
	store    *store.MemoryStore
	sink     *observe.Recorder
	notifier *fakeNotifier
}

func defaultMailboxes() []*goimap.MailboxInfo {
	return []*goimap.MailboxInfo{
		imaptest.Mailbox("INBOX"),
		imaptest.Mailbox("Sent", `\Sent`),
		imaptest.Mailbox("Archive"),
		imaptest.Mailbox("Archive/2024"),
	}
}

func newTestEnv(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		server:   imaptest.NewServer(defaultMailboxes()...),
		store:    store.NewMemoryStore(),
		sink:     &observe.Recorder{},
		notifier: &fakeNotifier{},
	}
	env.dialer = imaptest.NewDialer(env.server)

	opts := Options{
		ID:          testAccountID,
		Credentials: models.Credentials{Username: "user", Password: "pass"},
		Endpoint:    models.Endpoint{Host: "imap.example.com", Security: models.SecurityTLS},
		Dialer:      env.dialer,
		Store:       env.store,
		Notifier:    env.notifier,
		Sink:        env.sink,
		Backoff: backoff.Options{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      3,
		},
		CommandTimeout: time.Second,
	}
	if configure != nil {
		configure(&opts)
	}

	a, err := New(opts)
	require.NoError(t, err)
	env.account = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return env
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) queued() int {
	e.account.mu.Lock()
	defer e.account.mu.Unlock()
	return len(e.account.demands)
}

func (e *testEnv) folderByPath(t *testing.T, path string) models.FolderMeta {
	t.Helper()
	for _, f := range e.account.Folders() {
		if f.Path == path {
			return f
		}
	}
	t.Fatalf("folder %q not found", path)
	return models.FolderMeta{}
}

func (e *testEnv) sync(t *testing.T) {
	t.Helper()
	saves := e.store.Saves()
	require.NoError(t, e.account.SyncFolderList(testContext(t)))
	require.Eventually(t, func() bool { return e.store.Saves() > saves }, time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	dialer := imaptest.NewDialer(imaptest.NewServer())
	mem := store.NewMemoryStore()

	tests := []struct {
		name string
		opts Options
	}{
		{"missing id", Options{Dialer: dialer, Store: mem}},
		{"missing dialer", Options{ID: "a", Store: mem}},
		{"missing store", Options{ID: "a", Dialer: dialer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestOpen_FreshAndRestored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sync(t)

	inbox := env.folderByPath(t, "INBOX")
	storage, err := env.account.FolderStorage(inbox.ID)
	require.NoError(t, err)
	storage.(*folderstore.Cache).AddHeaders(&models.MessageHeader{UID: 7, Date: time.Now(), Subject: "kept"})
	require.NoError(t, env.account.SaveAccountState(nil).Wait(testContext(t)))

	restored, err := Open(testContext(t), Options{ID: testAccountID, Dialer: env.dialer, Store: env.store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Shutdown(context.Background()) })

	assert.Equal(t, env.account.Folders(), restored.Folders())
	assert.Equal(t, env.account.Meta().NextFolderNum, restored.Meta().NextFolderNum)
	assert.Equal(t, "/", restored.Meta().RootDelim)

	restoredInbox, err := restored.FolderStorage(inbox.ID)
	require.NoError(t, err)
	flags, ok := restoredInbox.Flags(7)
	assert.True(t, ok)
	assert.Empty(t, flags)

	fresh, err := Open(testContext(t), Options{ID: "other", Dialer: env.dialer, Store: env.store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Shutdown(context.Background()) })
	assert.Empty(t, fresh.Folders())
}

func TestOpen_LoadError(t *testing.T) {
	failing := &failingStore{MemoryStore: store.NewMemoryStore(), err: errors.New("disk on fire")}
	_, err := Open(context.Background(), Options{ID: "a", Dialer: imaptest.NewDialer(imaptest.NewServer()), Store: failing})
	assert.ErrorContains(t, err, "disk on fire")
}

type failingStore struct {
	*store.MemoryStore
	err error
}

func (s *failingStore) LoadAccountState(context.Context, string) (*models.AccountState, error) {
	return nil, s.err
}

func TestNextMutationID_IsUnique(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.account.NextMutationID()
	second := env.account.NextMutationID()
	assert.NotEqual(t, first, second)
	assert.Contains(t, first, testAccountID+"/")
	assert.EqualValues(t, 2, env.account.Meta().NextMutationNum)
}

func TestShutdown_FailsQueuedDemands(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxConns = 1 })
	ctx := testContext(t)

	lease, err := env.account.Acquire(ctx, "", "holder", nil)
	require.NoError(t, err)
	conn := env.dialer.Conns()[0]

	errs := make(chan error, 1)
	go func() {
		_, err := env.account.Acquire(ctx, "", "waiter", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return env.queued() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, env.account.Shutdown(ctx))
	assert.ErrorIs(t, <-errs, ErrShutdown)
	assert.False(t, conn.Alive())
	assert.Equal(t, 0, env.account.NumActiveConns())

	_, err = env.account.Acquire(ctx, "", "late", nil)
	assert.ErrorIs(t, err, ErrShutdown)

	lease.Release(false, false)
	assert.Equal(t, 1, env.sink.Count(observe.ConnectionMismatch))
	assert.NoError(t, env.account.Shutdown(ctx), "second shutdown is a no-op")
}
