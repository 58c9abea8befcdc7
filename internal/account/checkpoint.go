package account

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
)

// Checkpoint is an in-flight account state save.
type Checkpoint struct {
	done chan struct{}
	err  error
}

// Done is closed once the save finished.
func (c *Checkpoint) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the save finished or ctx is done.
func (c *Checkpoint) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveAccountState writes account meta, every folder record, the dirty folder snapshots and the
// dead folder list in one transaction. With tx the write joins the caller's transaction, which
// the caller commits after Wait returns.
//
// Writes are applied in the order SaveAccountState was called, so a slow save never lands on top
// of a newer one. The dead list is cleared as soon as it has been captured, so a failed write does
// not retry those deletions.
func (a *Account) SaveAccountState(tx store.Tx) *Checkpoint {
	cp := &Checkpoint{done: make(chan struct{})}

	a.mu.Lock()
	save := &models.AccountStateSave{
		AccountID:     a.id,
		Meta:          a.meta,
		FolderInfos:   cloneFolderInfos(a.folderInfos),
		DeadFolderIDs: a.deadFolderIDs,
	}
	save.Meta.Capability = slices.Clone(a.meta.Capability)
	a.deadFolderIDs = nil
	// Folder stores only take their own lock, so snapshotting here keeps them in save order too.
	for _, m := range a.folders {
		if s := a.storages[m.ID]; s != nil {
			if snap := s.GeneratePersistenceSnapshot(); snap != nil {
				save.Snapshots = append(save.Snapshots, *snap)
			}
		}
	}
	prev := a.lastCheckpoint
	a.lastCheckpoint = cp
	a.checkpoints.Add(1)
	a.mu.Unlock()

	a.emit(observe.Event{
		Kind: observe.SaveAccountStateBegin,
		Fields: map[string]any{
			"folders":   len(save.FolderInfos),
			"snapshots": len(save.Snapshots),
			"dead":      len(save.DeadFolderIDs),
			"reuse_tx":  tx != nil,
		},
	})

	go func() {
		defer a.checkpoints.Done()
		if prev != nil {
			<-prev.done
		}

		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveTimeout)
		err := store.Save(ctx, a.store, tx, save)
		cancel()

		a.emit(observe.Event{
			Kind:   observe.SaveAccountStateEnd,
			Err:    err,
			Fields: map[string]any{"duration_ms": time.Since(started).Milliseconds()},
		})
		cp.err = err
		close(cp.done)
	}()
	return cp
}

// CheckpointSyncCompleted saves the account after a sync finished.
func (a *Account) CheckpointSyncCompleted() *Checkpoint {
	return a.SaveAccountState(nil)
}

func cloneFolderInfos(in map[string]*models.FolderInfo) map[string]*models.FolderInfo {
	out := maps.Clone(in)
	for id, info := range out {
		out[id] = info.Clone()
	}
	return out
}
