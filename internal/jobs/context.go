package jobs

import (
	"context"
	"sync"

	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// Context is the per-run environment handed to a handler.
type Context struct {
	host   Host
	mode   Mode
	opType string

	mu              sync.Mutex
	releases        []func(closeFolder, resourceProblem bool)
	resourceProblem bool
	keepOpen        bool
}

// Mode returns the mode being executed.
func (c *Context) Mode() Mode {
	return c.mode
}

// Conn borrows a pooled connection for folderID. It is released when the run finishes.
func (c *Context) Conn(ctx context.Context, folderID string) (imap.Conn, error) {
	conn, release, err := c.host.Borrow(ctx, folderID, "job:"+c.opType+":"+string(c.mode))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.releases = append(c.releases, release)
	c.mu.Unlock()
	return conn, nil
}

// SelectedConn borrows a connection and selects the folder's mailbox.
func (c *Context) SelectedConn(ctx context.Context, folderID string, readOnly bool) (imap.Conn, error) {
	meta, ok := c.host.FolderMeta(folderID)
	if !ok {
		return nil, ErrUnknownFolder
	}
	conn, err := c.Conn(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if _, err := conn.SelectMailbox(ctx, meta.Path, readOnly); err != nil {
		return nil, err
	}
	return conn, nil
}

// Storage returns the local content store of folderID.
func (c *Context) Storage(folderID string) (folderstore.Storage, error) {
	s, ok := c.host.FolderStorage(folderID)
	if !ok {
		return nil, ErrUnknownFolder
	}
	return s, nil
}

// Folder returns the metadata of folderID.
func (c *Context) Folder(folderID string) (models.FolderMeta, bool) {
	return c.host.FolderMeta(folderID)
}

// ReportResourceProblem marks the borrowed connections so the pool penalizes their folder
// instead of closing it normally.
func (c *Context) ReportResourceProblem() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resourceProblem = true
}

// KeepMailboxOpen releases the borrowed connections without CLOSE, so nothing flagged \Deleted
// is expunged by this run.
func (c *Context) KeepMailboxOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepOpen = true
}

func (c *Context) cleanup() {
	c.mu.Lock()
	releases := c.releases
	resourceProblem := c.resourceProblem
	closeFolder := !c.keepOpen
	c.releases = nil
	c.mu.Unlock()

	for _, release := range releases {
		release(closeFolder, resourceProblem)
	}
}
