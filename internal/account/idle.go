package account

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

const idleRetryDelay = 10 * time.Second

// WatchInbox keeps an IDLE command running on the inbox and reports server-side changes through
// Notifier.FolderChanged, refreshing the inbox headers in the background. It holds one pooled
// connection while idling and returns when ctx is done.
func (a *Account) WatchInbox(ctx context.Context) error {
	for {
		err := a.idleInbox(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrShutdown) {
			return err
		}
		if err != nil {
			a.emit(observe.Event{Kind: observe.ConnectionError, Label: "idle", Err: err})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleRetryDelay):
		}
	}
}

func (a *Account) idleInbox(ctx context.Context) error {
	inbox, ok := a.FolderByType(models.FolderTypeInbox)
	if !ok {
		return ErrNoSuchFolder
	}

	lease, err := a.Acquire(ctx, inbox.ID, "idle", nil)
	if err != nil {
		return err
	}
	defer lease.Release(false, false)

	return lease.Conn().Idle(ctx, inbox.Path, func() {
		a.notifier.FolderChanged(a.id, inbox)
		a.refreshInBackground(inbox.ID)
	})
}
