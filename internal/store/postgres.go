package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/accountsync/internal/db"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// PostgresStore keeps account state in PostgreSQL. The schema lives in migrations/.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool. Close closes the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadAccountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	return db.LoadAccountState(ctx, s.pool, accountID)
}

func (s *PostgresStore) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SaveAccountFolderStates(ctx, save); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (s *PostgresStore) Close() error {
	db.CloseConnection(s.pool)
	return nil
}

type postgresTx struct {
	tx   pgx.Tx
	done bool
}

func (t *postgresTx) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	if t.done {
		return ErrTxDone
	}
	return db.SaveAccountState(ctx, t.tx, save)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit account state: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(ctx)
}
