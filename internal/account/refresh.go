package account

import (
	"context"

	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

const (
	// DefaultRefreshLimit is how many of the newest messages RefreshFolder fetches when no limit is given.
	DefaultRefreshLimit = 200
	// MaxRefreshLimit caps larger limits.
	MaxRefreshLimit = 10 * DefaultRefreshLimit
)

// RefreshFolder fetches the header summaries of the newest limit messages of a folder into its
// content store and returns how many were stored. Limits outside [1, MaxRefreshLimit] are clamped.
// Folders that cannot be selected are skipped.
func (a *Account) RefreshFolder(ctx context.Context, folderID string, limit int) (int, error) {
	meta, ok := a.Folder(folderID)
	if !ok {
		return 0, ErrNoSuchFolder
	}
	if meta.Type == models.FolderTypeNoMail {
		return 0, nil
	}
	if limit <= 0 {
		limit = DefaultRefreshLimit
	}
	limit = min(limit, MaxRefreshLimit)

	lease, err := a.Acquire(ctx, folderID, "refreshFolder", nil)
	if err != nil {
		return 0, err
	}
	cmdCtx, cancel := a.commandContext(ctx)
	headers, err := fetchNewest(cmdCtx, lease.Conn(), meta.Path, uint32(limit))
	cancel()
	// Read-only SELECT: CLOSE only deselects.
	lease.Release(true, false)
	if err != nil {
		a.emit(observe.Event{Kind: observe.RefreshFolder, FolderID: folderID, Err: err})
		return 0, &Error{Kind: imap.KindUnknown}
	}

	storage, err := a.FolderStorage(folderID)
	if err != nil {
		// Forgotten while we were fetching.
		return 0, err
	}
	if len(headers) > 0 {
		ptrs := make([]*models.MessageHeader, len(headers))
		for i := range headers {
			ptrs[i] = &headers[i]
		}
		storage.AddHeaders(ptrs...)
		a.SaveAccountState(nil)
	}
	a.emit(observe.Event{Kind: observe.RefreshFolder, FolderID: folderID, Fields: map[string]any{"fetched": len(headers)}})
	return len(headers), nil
}

func fetchNewest(ctx context.Context, conn imap.Conn, path string, limit uint32) ([]models.MessageHeader, error) {
	status, err := conn.SelectMailbox(ctx, path, true)
	if err != nil {
		return nil, err
	}
	if status.Messages == 0 {
		return nil, nil
	}
	from := uint32(1)
	if status.Messages > limit {
		from = status.Messages - limit + 1
	}
	return conn.FetchHeaders(ctx, from, status.Messages)
}

// refreshInBackground refreshes a folder with the default limit. Requests for a folder whose
// refresh is already in flight join it.
func (a *Account) refreshInBackground(folderID string) {
	go func() {
		_, _, _ = a.refreshes.Do(folderID, func() (any, error) {
			return a.RefreshFolder(a.ctx, folderID, 0)
		})
	}()
}
