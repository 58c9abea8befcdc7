// Package account is the per-account engine: connection pool, folder registry, folder list sync,
// job execution and persistence checkpoints.
package account

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vdavid/vmail/accountsync/internal/a64"
	"github.com/vdavid/vmail/accountsync/internal/backoff"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/jobs"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxConns is the connection cap used when Options.MaxConns is zero.
const DefaultMaxConns = 3

const (
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultSaveTimeout    = 30 * time.Second
)

// Notifier is the orchestrator side of the account. It is always called without the account lock held.
type Notifier interface {
	FolderAdded(accountID string, folder models.FolderMeta)
	FolderRemoved(accountID string, folder models.FolderMeta)
	FolderChanged(accountID string, folder models.FolderMeta)
	AccountProblem(accountID string, kind imap.ErrorKind)
}

// NopNotifier ignores every notification.
type NopNotifier struct{}

func (NopNotifier) FolderAdded(string, models.FolderMeta)   {}
func (NopNotifier) FolderRemoved(string, models.FolderMeta) {}
func (NopNotifier) FolderChanged(string, models.FolderMeta) {}
func (NopNotifier) AccountProblem(string, imap.ErrorKind)   {}

// Options configure an Account. ID, Dialer and Store are required.
type Options struct {
	ID          string
	Credentials models.Credentials
	Endpoint    models.Endpoint
	MaxConns    int
	Flavor      Flavor

	Dialer   imap.Dialer
	Store    store.Store
	Notifier Notifier
	Sink     observe.Sink
	// Online reports whether the device has connectivity. Nil means always online.
	Online func() bool

	Backoff backoff.Options
	Jobs    *jobs.Table

	NewStorage     func(folderID string) folderstore.Storage
	RestoreStorage func(folderID string, snapshot []byte) (folderstore.Storage, error)

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// State is the persisted state to resume from. Nil starts a fresh account.
	State *models.AccountState
}

// Account owns everything about one mail account. All mutable state sits behind mu.
type Account struct {
	id       string
	endpoint models.Endpoint
	maxConns int
	flavor   Flavor

	dialer         imap.Dialer
	store          store.Store
	notifier       Notifier
	sink           observe.Sink
	online         func() bool
	scheduler      *backoff.Scheduler
	driver         *jobs.Driver
	newStorage     func(string) folderstore.Storage
	connectTimeout time.Duration
	commandTimeout time.Duration

	ctx         context.Context
	cancel      context.CancelFunc
	checkpoints sync.WaitGroup
	refreshes   singleflight.Group

	mu             sync.Mutex
	creds          models.Credentials
	conns          []*pooledConn
	demands        []*demand
	pendingConnect bool
	connecting     bool
	checkWaiters   []chan error
	lastErrorKind  imap.ErrorKind
	shutdown       bool

	meta          models.AccountMeta
	folders       []*models.FolderMeta
	folderInfos   map[string]*models.FolderInfo
	storages      map[string]folderstore.Storage
	deadFolderIDs []string
	// lastCheckpoint is the most recent save. Each save waits for its predecessor before writing.
	lastCheckpoint *Checkpoint
}

// New creates an account, restoring the registry from opts.State when given.
func New(opts Options) (*Account, error) {
	if opts.ID == "" {
		return nil, errors.New("account: missing id")
	}
	if opts.Dialer == nil {
		return nil, errors.New("account: missing dialer")
	}
	if opts.Store == nil {
		return nil, errors.New("account: missing store")
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.Flavor == nil {
		opts.Flavor = Generic{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Sink == nil {
		opts.Sink = observe.Nop{}
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.NewStorage == nil {
		opts.NewStorage = folderstore.NewStorage
	}
	if opts.RestoreStorage == nil {
		opts.RestoreStorage = folderstore.RestoreStorage
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Jobs == nil {
		opts.Jobs = jobs.NewTable()
		if err := jobs.RegisterMailJobs(opts.Jobs); err != nil {
			return nil, err
		}
	}

	a := &Account{
		id:             opts.ID,
		endpoint:       opts.Endpoint,
		maxConns:       opts.MaxConns,
		flavor:         opts.Flavor,
		dialer:         opts.Dialer,
		store:          opts.Store,
		notifier:       opts.Notifier,
		sink:           opts.Sink,
		online:         opts.Online,
		newStorage:     opts.NewStorage,
		connectTimeout: opts.ConnectTimeout,
		commandTimeout: opts.CommandTimeout,
		creds:          opts.Credentials,
		folderInfos:    make(map[string]*models.FolderInfo),
		storages:       make(map[string]folderstore.Storage),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	backoffOpts := opts.Backoff
	onChange := backoffOpts.OnStateChange
	backoffOpts.OnStateChange = func(from, to backoff.State) {
		a.emit(observe.Event{Kind: observe.BackoffState, Fields: map[string]any{"from": string(from), "to": string(to)}})
		if onChange != nil {
			onChange(from, to)
		}
	}
	a.scheduler = backoff.NewScheduler(backoffOpts)
	a.driver = jobs.NewDriver(opts.Jobs, jobHost{a}, opts.Sink, opts.ID)

	if opts.State != nil {
		if err := a.restore(opts.State, opts.RestoreStorage); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Open loads the persisted state of opts.ID from opts.Store and creates the account.
// An account that was never saved starts fresh.
func Open(ctx context.Context, opts Options) (*Account, error) {
	if opts.Store == nil {
		return nil, errors.New("account: missing store")
	}
	state, err := opts.Store.LoadAccountState(ctx, opts.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load account %s: %w", opts.ID, err)
	}
	opts.State = state
	return New(opts)
}

func (a *Account) restore(state *models.AccountState, restoreStorage func(string, []byte) (folderstore.Storage, error)) error {
	a.meta = state.Meta
	a.meta.Capability = slices.Clone(state.Meta.Capability)
	for id, info := range state.Folders {
		storage, err := restoreStorage(id, state.Snapshots[id])
		if err != nil {
			return fmt.Errorf("failed to restore folder %s: %w", id, err)
		}
		info := info.Clone()
		a.folderInfos[id] = info
		a.storages[id] = storage
		a.folders = append(a.folders, &info.Meta)
	}
	slices.SortFunc(a.folders, func(x, y *models.FolderMeta) int { return strings.Compare(x.Path, y.Path) })
	return nil
}

// ID returns the account id.
func (a *Account) ID() string {
	return a.id
}

// Flavor returns the provider flavor.
func (a *Account) Flavor() Flavor {
	return a.flavor
}

// Meta returns a copy of the account meta.
func (a *Account) Meta() models.AccountMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.meta
	m.Capability = slices.Clone(a.meta.Capability)
	return m
}

// BackoffState returns the state of the connect scheduler.
func (a *Account) BackoffState() backoff.State {
	return a.scheduler.State()
}

// UpdateCredentials replaces the credentials and unfreezes a broken account.
func (a *Account) UpdateCredentials(creds models.Credentials) {
	a.mu.Lock()
	a.creds = creds
	stale := a.pendingConnect && !a.connecting
	a.mu.Unlock()

	a.scheduler.Reset()
	if stale {
		// Reset cancelled the scheduled attempt; run it now instead.
		if !a.scheduler.AttemptNow(a.connectAttempt) {
			a.attemptRefused()
		}
	}

	var o outbox
	a.mu.Lock()
	if !a.shutdown {
		a.pumpLocked(&o)
	}
	a.mu.Unlock()
	o.flush()
}

// NextMutationID allocates a long-term id for a new operation.
func (a *Account) NextMutationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.id + "/" + a64.EncodeInt(a.meta.NextMutationNum)
	a.meta.NextMutationNum++
	return id
}

// Shutdown fails queued demands, stops connect attempts, terminates every connection and waits for
// in-flight checkpoints until ctx is done. Folder content stays in place.
func (a *Account) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	demands := a.demands
	a.demands = nil
	conns := a.conns
	a.conns = nil
	for _, pc := range conns {
		pc.discarded = true
	}
	waiters := a.checkWaiters
	a.checkWaiters = nil
	a.mu.Unlock()

	a.cancel()
	a.scheduler.Shutdown()
	for _, d := range demands {
		d.granted <- grant{err: ErrShutdown}
	}
	for _, ch := range waiters {
		ch <- ErrShutdown
	}
	for _, pc := range conns {
		_ = pc.conn.Terminate()
	}

	done := make(chan struct{})
	go func() {
		a.checkpoints.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commandContext bounds a single server round trip. Logged-in connections have no socket deadline.
func (a *Account) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.commandTimeout)
}

func (a *Account) emit(ev observe.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.AccountID = a.id
	a.sink.Event(ev)
}

// outbox collects side effects produced under the lock so they run after it is released.
type outbox struct {
	fns []func()
}

func (o *outbox) add(fn func()) {
	o.fns = append(o.fns, fn)
}

func (o *outbox) event(a *Account, ev observe.Event) {
	o.add(func() { a.emit(ev) })
}

func (o *outbox) flush() {
	fns := o.fns
	o.fns = nil
	for _, fn := range fns {
		fn()
	}
}
