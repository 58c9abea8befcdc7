// Package imaptest provides in-process fakes of the imap.Conn and imap.Dialer interfaces.
package imaptest

import (
	"context"
	"errors"
	"sort"
	"sync"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// ErrTerminated is returned by commands issued on a dead connection.
var ErrTerminated = errors.New("imaptest: connection terminated")

// Server is the mailbox state shared by every connection of a Dialer.
type Server struct {
	mu        sync.Mutex
	mailboxes map[string]*goimap.MailboxInfo
	flags     map[string]map[uint32][]string
	messages  map[string][]models.MessageHeader
	idlers    map[string]map[*func()]struct{}
}

// NewServer creates a server with the given mailboxes.
func NewServer(mailboxes ...*goimap.MailboxInfo) *Server {
	s := &Server{
		flags:    make(map[string]map[uint32][]string),
		messages: make(map[string][]models.MessageHeader),
		idlers:   make(map[string]map[*func()]struct{}),
	}
	s.SetMailboxes(mailboxes...)
	return s
}

// AddMessage appends a message to mailbox and wakes every connection idling on it.
// UIDs must be added in increasing order.
func (s *Server) AddMessage(mailbox string, h models.MessageHeader) {
	s.mu.Lock()
	s.messages[mailbox] = append(s.messages[mailbox], h)
	box := s.flags[mailbox]
	if box == nil {
		box = make(map[uint32][]string)
		s.flags[mailbox] = box
	}
	box[h.UID] = append([]string(nil), h.Flags...)
	var wake []func()
	for fn := range s.idlers[mailbox] {
		wake = append(wake, *fn)
	}
	s.mu.Unlock()

	for _, fn := range wake {
		fn()
	}
}

func (s *Server) status(mailbox string) *imap.MailboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[mailbox]
	st := &imap.MailboxStatus{Name: mailbox, Messages: uint32(len(msgs)), UIDValidity: 1, UIDNext: 1}
	if len(msgs) > 0 {
		st.UIDNext = msgs[len(msgs)-1].UID + 1
	}
	return st
}

// headers returns messages from..to (1-based sequence numbers) with their current flags.
func (s *Server) headers(mailbox string, from, to uint32) []models.MessageHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[mailbox]
	if to > uint32(len(msgs)) {
		to = uint32(len(msgs))
	}
	out := []models.MessageHeader{}
	for seq := from; seq >= 1 && seq <= to; seq++ {
		h := msgs[seq-1]
		h.Flags = append([]string(nil), s.flags[mailbox][h.UID]...)
		out = append(out, h)
	}
	return out
}

func (s *Server) watch(mailbox string, fn *func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idlers[mailbox] == nil {
		s.idlers[mailbox] = make(map[*func()]struct{})
	}
	s.idlers[mailbox][fn] = struct{}{}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.idlers[mailbox], fn)
	}
}

// Mailbox is a shorthand for a LIST entry with "/" as delimiter.
func Mailbox(name string, attrs ...string) *goimap.MailboxInfo {
	return &goimap.MailboxInfo{Name: name, Delimiter: "/", Attributes: attrs}
}

// SetMailboxes replaces the whole mailbox list.
func (s *Server) SetMailboxes(mailboxes ...*goimap.MailboxInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes = make(map[string]*goimap.MailboxInfo, len(mailboxes))
	for _, m := range mailboxes {
		s.mailboxes[m.Name] = m
	}
}

// MailboxNames returns the current mailbox names sorted.
func (s *Server) MailboxNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.mailboxes))
	for name := range s.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flags returns the flags stored for uid in mailbox.
func (s *Server) Flags(mailbox string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flags[mailbox][uid]...)
}

func (s *Server) list() []*goimap.MailboxInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*goimap.MailboxInfo, 0, len(s.mailboxes))
	for _, m := range s.mailboxes {
		out = append(out, m)
	}
	return out
}

func (s *Server) delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[name]; !ok {
		return false
	}
	delete(s.mailboxes, name)
	return true
}

func (s *Server) store(mailbox string, uids []uint32, op imap.FlagOp, flags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.flags[mailbox]
	if box == nil {
		box = make(map[uint32][]string)
		s.flags[mailbox] = box
	}
	for _, uid := range uids {
		current := box[uid]
		for _, f := range flags {
			idx := -1
			for i, have := range current {
				if have == f {
					idx = i
					break
				}
			}
			switch {
			case op == imap.AddFlags && idx < 0:
				current = append(current, f)
			case op == imap.RemoveFlags && idx >= 0:
				current = append(current[:idx], current[idx+1:]...)
			}
		}
		box[uid] = current
	}
}

// Conn is a fake connection. Error fields are read at call time.
type Conn struct {
	ID     int
	server *Server

	mu        sync.Mutex
	ListErr   error
	DeleteErr error
	CloseErr  error
	StoreErr  error
	FetchErr  error
	// CloseGate, when set, makes CloseMailbox wait until it is closed.
	CloseGate chan struct{}
	silent    bool
	selected  string
	closes    int
	commands  []string
	onError   func(error)
	caps      []string

	done     chan struct{}
	doneOnce sync.Once
}

// NewConn creates a live connection to server.
func NewConn(id int, server *Server) *Conn {
	return &Conn{
		ID:     id,
		server: server,
		caps:   []string{"IMAP4rev1", "IDLE"},
		done:   make(chan struct{}),
	}
}

func (c *Conn) record(ctx context.Context, cmd string) error {
	select {
	case <-c.done:
		return ErrTerminated
	default:
	}
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	silent := c.silent
	c.mu.Unlock()
	if !silent {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTerminated
	}
}

// StopAnswering makes every later command hang until its context is done or the connection dies,
// like a server that accepted the command and went quiet.
func (c *Conn) StopAnswering() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent = true
}

// Commands returns the commands issued so far, in order.
func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Closes counts CLOSE commands.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Die simulates the server dropping the connection.
func (c *Conn) Die() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Alive reports whether the connection has not been terminated.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// EmitError delivers an asynchronous protocol error to the registered handler.
func (c *Conn) EmitError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Conn) ListMailboxes(ctx context.Context) ([]*imap.MailboxNode, error) {
	if err := c.record(ctx, "LIST"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	err := c.ListErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return imap.BuildMailboxTree(c.server.list()), nil
}

func (c *Conn) DeleteMailbox(ctx context.Context, name string) error {
	if err := c.record(ctx, "DELETE " + name); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.DeleteErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.server.delete(name) {
		return errors.New("imaptest: no such mailbox")
	}
	return nil
}

func (c *Conn) SelectMailbox(ctx context.Context, name string, readOnly bool) (*imap.MailboxStatus, error) {
	if err := c.record(ctx, "SELECT " + name); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.selected = name
	c.mu.Unlock()
	return c.server.status(name), nil
}

func (c *Conn) CloseMailbox(ctx context.Context) error {
	if err := c.record(ctx, "CLOSE"); err != nil {
		return err
	}
	c.mu.Lock()
	gate := c.CloseGate
	err := c.CloseErr
	c.closes++
	c.selected = ""
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Conn) StoreFlags(ctx context.Context, uids []uint32, op imap.FlagOp, flags []string) error {
	if err := c.record(ctx, "STORE"); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.StoreErr
	selected := c.selected
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.server.store(selected, uids, op, flags)
	return nil
}

func (c *Conn) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error) {
	if err := c.record(ctx, "FETCH"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	out := make(map[uint32][]string, len(uids))
	for _, uid := range uids {
		out[uid] = c.server.Flags(selected, uid)
	}
	return out, nil
}

func (c *Conn) FetchHeaders(ctx context.Context, from, to uint32) ([]models.MessageHeader, error) {
	if err := c.record(ctx, "FETCH HEADERS"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	err := c.FetchErr
	selected := c.selected
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.server.headers(selected, from, to), nil
}

// Idle waits until ctx is done or the connection dies, calling onUpdate whenever a message is
// added to mailbox.
func (c *Conn) Idle(ctx context.Context, mailbox string, onUpdate func()) error {
	if err := c.record(ctx, "IDLE " + mailbox); err != nil {
		return err
	}
	stop := c.server.watch(mailbox, &onUpdate)
	defer stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTerminated
	}
}

func (c *Conn) Capabilities() []string {
	return append([]string(nil), c.caps...)
}

func (c *Conn) Terminate() error {
	c.Die()
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Dialer hands out fake connections to Server.
type Dialer struct {
	Server *Server

	mu    sync.Mutex
	errs  []error
	gate  chan struct{}
	conns []*Conn
	calls int
}

// NewDialer creates a dialer for server.
func NewDialer(server *Server) *Dialer {
	return &Dialer{Server: server}
}

// FailNext queues errors returned by the next Connect calls, one per call.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Hold makes every Connect wait for a Release before completing.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

// Release lets one held Connect proceed.
func (d *Dialer) Release() {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
}

// Calls counts Connect invocations, including failed and held ones.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) Connect(ctx context.Context, creds models.Credentials, endpoint models.Endpoint) (imap.Conn, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := NewConn(len(d.conns)+1, d.Server)
	d.conns = append(d.conns, conn)
	return conn, nil
}
