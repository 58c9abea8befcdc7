package imap

import (
	"context"

	"github.com/vdavid/vmail/accountsync/internal/models"
)

// FlagOp selects how StoreFlags changes the flags of a message.
type FlagOp int

const (
	AddFlags FlagOp = iota
	RemoveFlags
)

// MailboxStatus is the part of a SELECT response callers care about.
type MailboxStatus struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// Conn is one authenticated IMAP connection.
// A Conn is used by one holder at a time; Terminate and Done may be called from any goroutine.
type Conn interface {
	// ListMailboxes returns the server's mailbox hierarchy as a forest of root nodes.
	ListMailboxes(ctx context.Context) ([]*MailboxNode, error)
	DeleteMailbox(ctx context.Context, name string) error
	SelectMailbox(ctx context.Context, name string, readOnly bool) (*MailboxStatus, error)
	// CloseMailbox issues CLOSE, expunging \Deleted messages of the selected mailbox.
	CloseMailbox(ctx context.Context) error
	StoreFlags(ctx context.Context, uids []uint32, op FlagOp, flags []string) error
	FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error)
	// FetchHeaders returns the header summaries of messages from..to (sequence numbers) of the
	// selected mailbox.
	FetchHeaders(ctx context.Context, from, to uint32) ([]models.MessageHeader, error)
	// Idle blocks in IDLE on mailbox and calls onUpdate for every change until ctx is done.
	Idle(ctx context.Context, mailbox string, onUpdate func()) error

	Capabilities() []string
	Terminate() error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	// OnError replaces the handler for asynchronous protocol errors. Nil removes it.
	OnError(fn func(error))
}

// Dialer opens authenticated connections.
type Dialer interface {
	Connect(ctx context.Context, creds models.Credentials, endpoint models.Endpoint) (Conn, error)
}
