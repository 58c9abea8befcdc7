// Package store persists account state: account meta, folder records and folder snapshots.
package store

import (
	"context"
	"errors"

	"github.com/vdavid/vmail/accountsync/internal/db"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// ErrNotFound is returned by LoadAccountState for accounts that were never saved.
var ErrNotFound = db.ErrAccountStateNotFound

// ErrClosed is returned by MemoryStore writes after Close.
var ErrClosed = errors.New("store: closed")

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("store: transaction already committed or rolled back")

// Tx groups several saves into one atomic write.
type Tx interface {
	SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the durable storage of account state.
type Store interface {
	LoadAccountState(ctx context.Context, accountID string) (*models.AccountState, error)
	// SaveAccountFolderStates applies save in its own transaction.
	SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Save runs save in tx when one is given, otherwise in a fresh transaction of s.
func Save(ctx context.Context, s Store, tx Tx, save *models.AccountStateSave) error {
	if tx != nil {
		return tx.SaveAccountFolderStates(ctx, save)
	}
	return s.SaveAccountFolderStates(ctx, save)
}
