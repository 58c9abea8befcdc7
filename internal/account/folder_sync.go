package account

import (
	"context"
	"time"

	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

type serverFolder struct {
	name  string
	path  string
	delim string
	depth int
	attrs []string
}

func flattenMailboxes(nodes []*imap.MailboxNode, prefix string, depth int, out []serverFolder) []serverFolder {
	for _, n := range nodes {
		path := prefix + n.Name
		out = append(out, serverFolder{name: n.Name, path: path, delim: n.Delim, depth: depth, attrs: n.Attributes})
		if len(n.Children) > 0 {
			out = flattenMailboxes(n.Children, path+n.Delim, depth+1, out)
		}
	}
	return out
}

// SyncFolderList brings the folder registry in line with the server's mailbox tree.
// A failed LIST leaves the registry untouched and returns an *Error of kind unknown.
func (a *Account) SyncFolderList(ctx context.Context) error {
	lease, err := a.Acquire(ctx, "", "syncFolderList", nil)
	if err != nil {
		return err
	}

	cmdCtx, cancel := a.commandContext(ctx)
	roots, err := lease.Conn().ListMailboxes(cmdCtx)
	cancel()
	if err != nil {
		lease.Release(false, false)
		a.emit(observe.Event{Kind: observe.SyncFailed, Err: err})
		return &Error{Kind: imap.KindUnknown}
	}
	server := flattenMailboxes(roots, "", 0, nil)

	var o outbox
	a.mu.Lock()
	a.applyFolderListLocked(server, &o)
	if len(roots) > 0 {
		a.meta.RootDelim = roots[0].Delim
	}
	now := time.Now()
	a.meta.LastFullFolderProbeAt = &now
	a.mu.Unlock()
	o.flush()

	lease.Release(false, false)
	a.SaveAccountState(nil)
	return nil
}

type knownFolder struct {
	id   string
	seen bool
}

// applyFolderListLocked learns every new path and forgets every known path the server no longer lists.
func (a *Account) applyFolderListLocked(server []serverFolder, o *outbox) {
	known := make(map[string]*knownFolder, len(a.folders))
	order := make([]*knownFolder, 0, len(a.folders))
	for _, m := range a.folders {
		k := &knownFolder{id: m.ID}
		known[m.Path] = k
		order = append(order, k)
	}

	for _, sf := range server {
		if k, ok := known[sf.path]; ok {
			k.seen = true
			continue
		}
		t := a.flavor.classify(sf.attrs, sf.path, sf.delim)
		meta := a.learnAboutFolderLocked(sf.name, sf.path, t, sf.delim, sf.depth, o)
		known[sf.path] = &knownFolder{id: meta.ID, seen: true}
	}

	for _, k := range order {
		if !k.seen {
			a.forgetFolderLocked(k.id, o)
		}
	}
}

// DeleteFolder deletes the folder on the server and forgets it locally.
func (a *Account) DeleteFolder(ctx context.Context, folderID string) (models.FolderMeta, error) {
	meta, ok := a.Folder(folderID)
	if !ok {
		return models.FolderMeta{}, ErrNoSuchFolder
	}
	if !a.online() {
		return meta, &Error{Kind: imap.KindOffline}
	}

	lease, err := a.Acquire(ctx, "", "deleteFolder", nil)
	if err != nil {
		return meta, err
	}
	cmdCtx, cancel := a.commandContext(ctx)
	err = lease.Conn().DeleteMailbox(cmdCtx, meta.Path)
	cancel()
	lease.Release(false, false)
	if err != nil {
		a.emit(observe.Event{Kind: observe.DeleteFolder, FolderID: folderID, Err: err})
		return meta, &Error{Kind: imap.KindUnknown}
	}

	var o outbox
	a.mu.Lock()
	a.forgetFolderLocked(folderID, &o)
	a.mu.Unlock()
	a.emit(observe.Event{Kind: observe.DeleteFolder, FolderID: folderID, Fields: map[string]any{"path": meta.Path}})
	o.flush()
	return meta, nil
}
