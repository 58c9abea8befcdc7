package account

import (
	"context"
	"slices"

	"github.com/vdavid/vmail/accountsync/internal/backoff"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

// pooledConn is a live connection owned by the account.
type pooledConn struct {
	conn imap.Conn
	// holder is the demand the connection is checked out to, nil when idle.
	holder *demand
	// closing is set while a CLOSE issued on release is in flight.
	closing bool
	// discarded connections were removed on purpose; their death is expected.
	discarded bool
}

func (pc *pooledConn) idle() bool {
	return pc.holder == nil && !pc.closing
}

type demand struct {
	folderID string
	label    string
	onDeath  func()
	granted  chan grant
}

type grant struct {
	lease *Lease
	err   error
}

// Lease is a connection checked out of the pool. It must be released exactly once.
type Lease struct {
	account  *Account
	pc       *pooledConn
	demand   *demand
	released bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() imap.Conn {
	return l.pc.conn
}

// FolderID returns the folder the lease was requested for, "" for account-level work.
func (l *Lease) FolderID() string {
	return l.demand.folderID
}

// Release returns the connection to the pool. See Account.Release.
func (l *Lease) Release(closeFolder, resourceProblem bool) {
	l.account.Release(l, closeFolder, resourceProblem)
}

// Acquire queues a demand for a connection and blocks until it is granted or ctx is done.
// Demands are served strictly in arrival order. onDeath, when set, is called if the connection
// dies while checked out.
func (a *Account) Acquire(ctx context.Context, folderID, label string, onDeath func()) (*Lease, error) {
	d := &demand{
		folderID: folderID,
		label:    label,
		onDeath:  onDeath,
		granted:  make(chan grant, 1),
	}

	a.scheduler.Wake()

	var o outbox
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil, ErrShutdown
	}
	a.demands = append(a.demands, d)
	if len(a.demands) == 1 {
		a.pumpLocked(&o)
	}
	a.mu.Unlock()
	o.flush()

	select {
	case g := <-d.granted:
		return g.lease, g.err
	case <-ctx.Done():
	}

	a.mu.Lock()
	if i := slices.Index(a.demands, d); i >= 0 {
		a.demands = slices.Delete(a.demands, i, i+1)
		if i == 0 {
			a.pumpLocked(&o)
		}
		a.mu.Unlock()
		o.flush()
		return nil, ctx.Err()
	}
	a.mu.Unlock()

	// Granted concurrently with the cancellation.
	if g := <-d.granted; g.lease != nil {
		g.lease.Release(false, false)
	}
	return nil, ctx.Err()
}

// RequestConnection is the callback form of Acquire. onGranted receives the lease, or an error when
// the demand could not be served.
func (a *Account) RequestConnection(ctx context.Context, folderID, label string, onGranted func(*Lease, error), onDeath func()) {
	go func() {
		lease, err := a.Acquire(ctx, folderID, label, onDeath)
		onGranted(lease, err)
	}()
}

// Release marks the leased connection idle. With resourceProblem the holder's folder is penalized
// for future connect attempts. With closeFolder (and no resource problem) a CLOSE is issued first
// and the connection is handed on only once it finished.
func (a *Account) Release(l *Lease, closeFolder, resourceProblem bool) {
	var o outbox
	defer o.flush()

	a.mu.Lock()
	defer a.mu.Unlock()

	if l.released {
		return
	}
	l.released = true

	pc := l.pc
	if !slices.Contains(a.conns, pc) || pc.holder != l.demand {
		o.event(a, observe.Event{Kind: observe.ConnectionMismatch, FolderID: l.demand.folderID, Label: l.demand.label})
		return
	}
	pc.holder = nil
	o.event(a, observe.Event{Kind: observe.ReleaseConnection, FolderID: l.demand.folderID, Label: l.demand.label})

	if resourceProblem {
		folderID := l.demand.folderID
		o.add(func() { a.scheduler.NoteResourceProblem(folderID) })
	}
	if closeFolder && !resourceProblem {
		pc.closing = true
		o.add(func() { go a.closeMailbox(pc) })
		return
	}
	a.pumpLocked(&o)
}

func (a *Account) closeMailbox(pc *pooledConn) {
	ctx, cancel := a.commandContext(a.ctx)
	err := pc.conn.CloseMailbox(ctx)
	cancel()
	if err != nil {
		a.emit(observe.Event{Kind: observe.ConnectionError, Label: "close", Err: err})
	}

	var o outbox
	a.mu.Lock()
	pc.closing = false
	if !a.shutdown && slices.Contains(a.conns, pc) {
		a.pumpLocked(&o)
	}
	a.mu.Unlock()
	o.flush()
}

// CloseIdleConnections terminates every connection that is not checked out.
func (a *Account) CloseIdleConnections() {
	var victims []*pooledConn
	var o outbox

	a.mu.Lock()
	kept := a.conns[:0:0]
	for _, pc := range a.conns {
		if pc.holder != nil {
			kept = append(kept, pc)
			continue
		}
		pc.discarded = true
		victims = append(victims, pc)
		o.event(a, observe.Event{Kind: observe.DeadConnection, Label: "closeIdle"})
	}
	a.conns = kept
	a.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Terminate()
	}
	o.flush()
}

// NumActiveConns returns the number of live pooled connections, idle or not.
func (a *Account) NumActiveConns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// AdoptConnection takes over a connection established elsewhere, e.g. by an account prober.
// A pending connect attempt counts against the cap; when there is no room conn is terminated and
// ErrPoolFull returned.
func (a *Account) AdoptConnection(conn imap.Conn) error {
	conn.OnError(nil)

	var o outbox
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		_ = conn.Terminate()
		return ErrShutdown
	}
	inUse := len(a.conns)
	if a.pendingConnect {
		inUse++
	}
	if inUse >= a.maxConns {
		a.mu.Unlock()
		_ = conn.Terminate()
		return ErrPoolFull
	}
	a.registerLocked(conn, &o)
	a.pumpLocked(&o)
	a.mu.Unlock()
	o.flush()
	return nil
}

// CheckAccount verifies that the account can log in. It joins a pending attempt when there is one
// and reports success right away when the pool is already full of live connections.
func (a *Account) CheckAccount(ctx context.Context) error {
	if a.scheduler.State() == backoff.StateBroken {
		return &Error{Kind: imap.KindBadUserOrPass}
	}

	ch := make(chan error, 1)
	startAttempt := false

	a.mu.Lock()
	switch {
	case a.shutdown:
		a.mu.Unlock()
		return ErrShutdown
	case a.pendingConnect:
	case len(a.conns) >= a.maxConns:
		a.mu.Unlock()
		return nil
	default:
		a.pendingConnect = true
		startAttempt = true
	}
	a.checkWaiters = append(a.checkWaiters, ch)
	a.mu.Unlock()

	if startAttempt && !a.scheduler.AttemptNow(a.connectAttempt) {
		a.attemptRefused()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpLocked serves the head of the demand queue from idle connections, then asks for a new
// connection when demand remains.
func (a *Account) pumpLocked(o *outbox) {
	for a.allocateLocked(o) {
	}
	if len(a.demands) > 0 {
		a.makeConnectionIfPossibleLocked(o)
	}
}

func (a *Account) allocateLocked(o *outbox) bool {
	if len(a.demands) == 0 {
		return false
	}
	d := a.demands[0]
	for _, pc := range a.conns {
		if d.folderID != "" && pc.holder != nil && pc.holder.folderID == d.folderID {
			o.event(a, observe.Event{Kind: observe.FolderAlreadyHasConn, FolderID: d.folderID, Label: d.label})
		}
	}
	for _, pc := range a.conns {
		if !pc.idle() {
			continue
		}
		pc.holder = d
		a.demands = a.demands[1:]
		d.granted <- grant{lease: &Lease{account: a, pc: pc, demand: d}}
		o.event(a, observe.Event{Kind: observe.ReuseConnection, FolderID: d.folderID, Label: d.label})
		return true
	}
	return false
}

func (a *Account) makeConnectionIfPossibleLocked(o *outbox) {
	if len(a.conns) >= a.maxConns {
		o.event(a, observe.Event{Kind: observe.MaximumConnsNoNew, Fields: map[string]any{"conns": len(a.conns)}})
		return
	}
	if a.pendingConnect {
		return
	}
	a.pendingConnect = true

	var folderID string
	if len(a.demands) > 0 {
		folderID = a.demands[0].folderID
	}
	o.add(func() {
		if a.scheduler.ScheduleConnectAttempt(folderID, a.connectAttempt) {
			a.emit(observe.Event{Kind: observe.BackoffScheduled, FolderID: folderID, Fields: map[string]any{"delay_ms": a.scheduler.NextDelay().Milliseconds()}})
			return
		}
		a.attemptRefused()
	})
}

// attemptRefused handles a scheduler that will not run an attempt right now.
func (a *Account) attemptRefused() {
	kind := imap.KindUnknown
	var failErr error
	switch a.scheduler.State() {
	case backoff.StateBroken:
		kind = imap.KindBadUserOrPass
	case backoff.StateShutdown:
		failErr = ErrShutdown
	case backoff.StateUnreachable:
	default:
		// A timer is already pending; its attempt will pick up the demand.
		return
	}

	a.mu.Lock()
	a.pendingConnect = false
	if a.lastErrorKind != "" && kind == imap.KindUnknown {
		kind = a.lastErrorKind
	}
	if failErr == nil {
		failErr = &Error{Kind: kind}
	}
	waiters := a.checkWaiters
	a.checkWaiters = nil
	failed := a.failDemandsLocked(failErr)
	a.mu.Unlock()

	for _, ch := range waiters {
		ch <- failErr
	}
	for _, d := range failed {
		d.granted <- grant{err: failErr}
	}
}

// failDemandsLocked drops every queued demand when no connection is left to serve it.
func (a *Account) failDemandsLocked(err error) []*demand {
	if len(a.conns) > 0 {
		return nil
	}
	failed := a.demands
	a.demands = nil
	return failed
}

func (a *Account) connectAttempt() {
	a.mu.Lock()
	if a.shutdown {
		a.pendingConnect = false
		a.mu.Unlock()
		return
	}
	if a.connecting || !a.pendingConnect {
		a.mu.Unlock()
		return
	}
	a.connecting = true
	creds := a.creds
	var folderID, label string
	if len(a.demands) > 0 {
		folderID, label = a.demands[0].folderID, a.demands[0].label
	}
	a.mu.Unlock()

	a.emit(observe.Event{Kind: observe.CreateConnection, FolderID: folderID, Label: label})

	ctx, cancel := context.WithTimeout(a.ctx, a.connectTimeout)
	conn, err := a.dialer.Connect(ctx, creds, a.endpoint)
	cancel()
	if err != nil {
		a.connectFailed(err)
		return
	}
	a.connectSucceeded(conn)
}

func (a *Account) connectFailed(err error) {
	kind, reachable := imap.ClassifyConnectError(err)
	a.emit(observe.Event{Kind: observe.ConnectError, Err: err, Fields: map[string]any{"kind": string(kind), "reachable": reachable}})

	terminal := kind == imap.KindBadUserOrPass
	retry := false
	if terminal {
		a.scheduler.NoteBrokenConnection()
		a.notifier.AccountProblem(a.id, kind)
	} else {
		retry = a.scheduler.NoteConnectFailureMaybeRetry(reachable)
	}

	failErr := &Error{Kind: kind}
	var o outbox
	var failed []*demand

	a.mu.Lock()
	a.pendingConnect = false
	a.connecting = false
	a.lastErrorKind = kind
	waiters := a.checkWaiters
	a.checkWaiters = nil
	switch {
	case a.shutdown:
	case retry:
		if len(a.demands) > 0 {
			a.makeConnectionIfPossibleLocked(&o)
		}
	default:
		failed = a.failDemandsLocked(failErr)
	}
	a.mu.Unlock()

	for _, ch := range waiters {
		ch <- failErr
	}
	for _, d := range failed {
		d.granted <- grant{err: failErr}
	}
	o.flush()
}

func (a *Account) connectSucceeded(conn imap.Conn) {
	a.scheduler.NoteConnectSuccess()
	caps := conn.Capabilities()

	var o outbox
	a.mu.Lock()
	a.pendingConnect = false
	a.connecting = false
	waiters := a.checkWaiters
	a.checkWaiters = nil
	if a.shutdown {
		a.mu.Unlock()
		_ = conn.Terminate()
		for _, ch := range waiters {
			ch <- ErrShutdown
		}
		return
	}
	a.lastErrorKind = ""
	a.meta.Capability = caps
	a.registerLocked(conn, &o)
	a.pumpLocked(&o)
	a.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}
	o.flush()
}

// registerLocked adds conn to the pool as idle and binds its death and error handlers.
func (a *Account) registerLocked(conn imap.Conn, o *outbox) {
	pc := &pooledConn{conn: conn}
	a.conns = append(a.conns, pc)
	o.add(func() {
		conn.OnError(func(err error) {
			a.emit(observe.Event{Kind: observe.ConnectionError, Err: err})
		})
		go a.watchConn(pc)
	})
}

func (a *Account) watchConn(pc *pooledConn) {
	select {
	case <-pc.conn.Done():
	case <-a.ctx.Done():
		return
	}

	var o outbox
	a.mu.Lock()
	i := slices.Index(a.conns, pc)
	if i < 0 {
		if !pc.discarded {
			o.event(a, observe.Event{Kind: observe.UnknownDeadConnection})
		}
		a.mu.Unlock()
		o.flush()
		return
	}
	a.conns = slices.Delete(a.conns, i, i+1)
	holder := pc.holder
	pc.holder = nil
	ev := observe.Event{Kind: observe.DeadConnection}
	if holder != nil {
		ev.FolderID, ev.Label = holder.folderID, holder.label
	}
	o.event(a, ev)
	if holder != nil && holder.onDeath != nil {
		o.add(holder.onDeath)
	}
	if !a.shutdown && len(a.demands) > 0 {
		a.makeConnectionIfPossibleLocked(&o)
	}
	a.mu.Unlock()
	o.flush()
}
