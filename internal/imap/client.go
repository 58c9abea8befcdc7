package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// DefaultDialTimeout bounds dialing, the TLS handshake, the greeting and LOGIN together.
const DefaultDialTimeout = 5 * time.Second

// ClientDialer dials real IMAP servers with go-imap.
type ClientDialer struct {
	Timeout time.Duration
	// TLSConfig is cloned per connection; ServerName is filled in from the endpoint when empty.
	TLSConfig *tls.Config
}

// NewClientDialer returns a dialer with the default timeout.
func NewClientDialer() *ClientDialer {
	return &ClientDialer{Timeout: DefaultDialTimeout}
}

// deadlineDialer dials with the caller's context and applies its deadline to the socket so a
// server that accepts but never greets cannot hang the attempt.
type deadlineDialer struct {
	ctx    context.Context
	dialer net.Dialer
	conn   net.Conn
}

func (d *deadlineDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := d.ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	d.conn = conn
	return conn, nil
}

func (d *ClientDialer) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Connect dials, optionally upgrades with STARTTLS, and logs in.
// Failures are returned as *ConnectError so the caller can apply the retry policy.
func (d *ClientDialer) Connect(ctx context.Context, creds models.Credentials, endpoint models.Endpoint) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dd := &deadlineDialer{ctx: ctx, dialer: net.Dialer{Timeout: timeout}}
	addr := endpoint.Address()

	var c *client.Client
	var err error
	if endpoint.Security == models.SecurityTLS {
		c, err = client.DialWithDialerTLS(dd, addr, d.tlsConfig(endpoint.Host))
	} else {
		c, err = client.DialWithDialer(dd, addr)
	}
	if err != nil {
		return nil, classify(StageDial, fmt.Errorf("failed to dial %s: %w", addr, err))
	}

	if endpoint.Security == models.SecurityStartTLS {
		if err := c.StartTLS(d.tlsConfig(endpoint.Host)); err != nil {
			_ = c.Terminate()
			return nil, classify(StageDial, fmt.Errorf("failed to start TLS: %w", err))
		}
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Terminate()
		return nil, classify(StageLogin, fmt.Errorf("failed to authenticate: %w", err))
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Terminate()
		return nil, classify(StageDial, fmt.Errorf("failed to fetch capabilities: %w", err))
	}

	if dd.conn != nil {
		_ = dd.conn.SetDeadline(time.Time{})
	}

	return newClientConn(c, caps), nil
}

// clientConn adapts *client.Client to Conn.
type clientConn struct {
	c       *client.Client
	caps    []string
	onError atomic.Pointer[func(error)]
}

func newClientConn(c *client.Client, caps map[string]bool) *clientConn {
	cc := &clientConn{c: c}
	for name, ok := range caps {
		if ok {
			cc.caps = append(cc.caps, name)
		}
	}
	sort.Strings(cc.caps)
	c.ErrorLog = errorLogger{conn: cc}
	return cc
}

// errorLogger routes go-imap's asynchronous error log to the connection's error handler.
type errorLogger struct {
	conn *clientConn
}

func (l errorLogger) Printf(format string, v ...interface{}) {
	l.conn.reportError(fmt.Errorf(format, v...))
}

func (l errorLogger) Println(v ...interface{}) {
	l.conn.reportError(fmt.Errorf("%s", fmt.Sprintln(v...)))
}

func (cc *clientConn) reportError(err error) {
	if fn := cc.onError.Load(); fn != nil {
		(*fn)(err)
	}
}

func (cc *clientConn) OnError(fn func(error)) {
	if fn == nil {
		cc.onError.Store(nil)
		return
	}
	cc.onError.Store(&fn)
}

func (cc *clientConn) Capabilities() []string {
	out := make([]string, len(cc.caps))
	copy(out, cc.caps)
	return out
}

func (cc *clientConn) Terminate() error {
	return cc.c.Terminate()
}

func (cc *clientConn) Done() <-chan struct{} {
	return cc.c.LoggedOut()
}

// run executes a blocking go-imap command, terminating the connection if ctx ends first.
func (cc *clientConn) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cc.c.Terminate()
		<-done
		return ctx.Err()
	}
}

func (cc *clientConn) ListMailboxes(ctx context.Context) ([]*MailboxNode, error) {
	var infos []*imap.MailboxInfo
	err := cc.run(ctx, func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- cc.c.List("", "*", mailboxes)
		}()
		for m := range mailboxes {
			infos = append(infos, m)
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return BuildMailboxTree(infos), nil
}

func (cc *clientConn) DeleteMailbox(ctx context.Context, name string) error {
	if err := cc.run(ctx, func() error { return cc.c.Delete(name) }); err != nil {
		return fmt.Errorf("failed to delete mailbox %s: %w", name, err)
	}
	return nil
}

func (cc *clientConn) SelectMailbox(ctx context.Context, name string, readOnly bool) (*MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := cc.run(ctx, func() error {
		var err error
		status, err = cc.c.Select(name, readOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", name, err)
	}
	return &MailboxStatus{
		Name:        status.Name,
		Messages:    status.Messages,
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
	}, nil
}

func (cc *clientConn) CloseMailbox(ctx context.Context) error {
	if err := cc.run(ctx, cc.c.Close); err != nil {
		return fmt.Errorf("failed to close mailbox: %w", err)
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return seqSet
}

func (cc *clientConn) StoreFlags(ctx context.Context, uids []uint32, op FlagOp, flags []string) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	var imapOp imap.FlagsOp = imap.AddFlags
	if op == RemoveFlags {
		imapOp = imap.RemoveFlags
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	err := cc.run(ctx, func() error {
		return cc.c.UidStore(uidSet(uids), imap.FormatFlagsOp(imapOp, true), values, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func (cc *clientConn) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error) {
	result := make(map[uint32][]string, len(uids))
	if len(uids) == 0 {
		return result, nil
	}
	err := cc.run(ctx, func() error {
		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)
		go func() {
			done <- cc.c.UidFetch(uidSet(uids), []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
		}()
		for msg := range messages {
			result[msg.Uid] = msg.Flags
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return result, nil
}
