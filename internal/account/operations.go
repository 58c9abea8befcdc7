package account

import (
	"context"

	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/jobs"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// RunOperation executes op in mode and checkpoints the account when the handler suggests it.
// An unregistered (mode, type) pair returns *jobs.UnsupportedError.
func (a *Account) RunOperation(ctx context.Context, op *models.Operation, mode jobs.Mode) (jobs.Result, error) {
	a.ensureLongtermID(op)
	res, err := a.driver.Run(ctx, op, mode)
	if res.SaveSuggested {
		a.SaveAccountState(nil)
	}
	return res, err
}

// RunOperationAsync is the callback form of RunOperation. An unsupported pair is returned right
// away and cb is never called.
func (a *Account) RunOperationAsync(ctx context.Context, op *models.Operation, mode jobs.Mode, cb func(jobs.Result, error)) error {
	a.ensureLongtermID(op)
	return a.driver.RunAsync(ctx, op, mode, func(res jobs.Result, err error) {
		if res.SaveSuggested {
			a.SaveAccountState(nil)
		}
		if cb != nil {
			cb(res, err)
		}
	})
}

func (a *Account) ensureLongtermID(op *models.Operation) {
	if op.LongtermID == "" {
		op.LongtermID = a.NextMutationID()
	}
}

// jobHost lends the account's connections and folders to running jobs.
type jobHost struct {
	a *Account
}

func (h jobHost) Borrow(ctx context.Context, folderID, label string) (imap.Conn, func(closeFolder, resourceProblem bool), error) {
	lease, err := h.a.Acquire(ctx, folderID, label, nil)
	if err != nil {
		return nil, nil, err
	}
	return lease.Conn(), lease.Release, nil
}

func (h jobHost) FolderMeta(folderID string) (models.FolderMeta, bool) {
	return h.a.Folder(folderID)
}

func (h jobHost) FolderStorage(folderID string) (folderstore.Storage, bool) {
	s, err := h.a.FolderStorage(folderID)
	return s, err == nil
}
