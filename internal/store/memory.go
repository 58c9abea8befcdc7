package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/vdavid/vmail/accountsync/internal/models"
)

// MemoryStore keeps account state in process memory. Transactions are applied on commit.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.AccountState
	saves    int
	closed   bool
	// FailSaves makes every commit fail with this error when set.
	FailSaves error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*models.AccountState)}
}

func (s *MemoryStore) LoadAccountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStore) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.SaveAccountFolderStates(ctx, save); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memoryTx{store: s}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Saves counts committed checkpoint writes.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) apply(save *models.AccountStateSave) {
	state, ok := s.accounts[save.AccountID]
	if !ok {
		state = &models.AccountState{
			AccountID: save.AccountID,
			Folders:   make(map[string]*models.FolderInfo),
			Snapshots: make(map[string][]byte),
		}
		s.accounts[save.AccountID] = state
	}
	state.Meta = cloneMeta(save.Meta)
	for id, info := range save.FolderInfos {
		state.Folders[id] = info.Clone()
	}
	for _, snapshot := range save.Snapshots {
		state.Snapshots[snapshot.FolderID] = slices.Clone(snapshot.Data)
	}
	for _, id := range save.DeadFolderIDs {
		delete(state.Folders, id)
		delete(state.Snapshots, id)
	}
	s.saves++
}

func cloneMeta(meta models.AccountMeta) models.AccountMeta {
	meta.Capability = slices.Clone(meta.Capability)
	if meta.LastFullFolderProbeAt != nil {
		t := *meta.LastFullFolderProbeAt
		meta.LastFullFolderProbeAt = &t
	}
	return meta
}

func cloneState(state *models.AccountState) *models.AccountState {
	out := &models.AccountState{
		AccountID: state.AccountID,
		Meta:      cloneMeta(state.Meta),
		Folders:   make(map[string]*models.FolderInfo, len(state.Folders)),
		Snapshots: maps.Clone(state.Snapshots),
	}
	for id, info := range state.Folders {
		out.Folders[id] = info.Clone()
	}
	return out
}

type memoryTx struct {
	store   *MemoryStore
	pending []*models.AccountStateSave
	done    bool
}

func (t *memoryTx) SaveAccountFolderStates(ctx context.Context, save *models.AccountStateSave) error {
	if t.done {
		return ErrTxDone
	}
	t.pending = append(t.pending, save)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.FailSaves != nil {
		return t.store.FailSaves
	}
	for _, save := range t.pending {
		t.store.apply(save)
	}
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.done = true
	t.pending = nil
	return nil
}
