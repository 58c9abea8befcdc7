package imap

import (
	"context"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// idlePollInterval is how often NOOP is sent when the server has no IDLE capability.
const idlePollInterval = 30 * time.Second

// Idle selects mailbox read-only and waits in IDLE, calling onUpdate whenever the server reports
// new, expunged or changed messages. It returns ctx.Err() once ctx is done.
func (cc *clientConn) Idle(ctx context.Context, mailbox string, onUpdate func()) error {
	if _, err := cc.SelectMailbox(ctx, mailbox, true); err != nil {
		return err
	}

	updates := make(chan imapclient.Update, 16)
	cc.c.Updates = updates
	defer func() {
		cc.c.Updates = nil
	}()

	idleClient := idle.NewClient(cc.c)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	stopped := false
	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			close(stop)
			stopped = true
			ctxDone = nil
		case err := <-done:
			if stopped {
				return ctx.Err()
			}
			if err != nil {
				return fmt.Errorf("idle on %s ended: %w", mailbox, err)
			}
			return nil
		case update := <-updates:
			if isMailboxChange(update) && !stopped {
				onUpdate()
			}
		}
	}
}

func isMailboxChange(update imapclient.Update) bool {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		return u.Mailbox != nil
	case *imapclient.ExpungeUpdate, *imapclient.MessageUpdate:
		return true
	}
	return false
}
