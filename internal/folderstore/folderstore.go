// Package folderstore holds the locally cached contents of one folder.
package folderstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/vdavid/vmail/accountsync/internal/models"
)

// Storage is the per-folder content store the account engine drives.
type Storage interface {
	// OpenLiveView returns a view that stays current until closed or the storage is torn down.
	OpenLiveView(spec ViewSpec) *LiveView
	// GeneratePersistenceSnapshot returns the dirty state since the last snapshot, or nil when clean.
	GeneratePersistenceSnapshot() *models.FolderSnapshot
	// TearDown releases everything. Later calls are no-ops.
	TearDown()

	// AddHeaders inserts or replaces message headers fetched from the server.
	AddHeaders(headers ...*models.MessageHeader)
	ModifyFlags(uids []uint32, add, remove []string) int
	SetDeleted(uids []uint32, deleted bool) int
	Flags(uid uint32) ([]string, bool)
}

// NewStorage creates an empty in-memory store for a folder seen for the first time.
func NewStorage(folderID string) Storage {
	return New(folderID)
}

// RestoreStorage rebuilds the store of a known folder, starting empty when nothing was persisted.
func RestoreStorage(folderID string, snapshot []byte) (Storage, error) {
	if len(snapshot) == 0 {
		return New(folderID), nil
	}
	return Restore(folderID, snapshot)
}

// ViewSpec selects a window of the folder, newest messages first.
type ViewSpec struct {
	Offset int
	Limit  int
}

// Cache is an in-memory Storage.
type Cache struct {
	folderID string

	mu       sync.Mutex
	headers  map[uint32]*models.MessageHeader
	dirty    bool
	views    map[*LiveView]struct{}
	tornDown bool
}

var _ Storage = (*Cache)(nil)

// New creates an empty cache.
func New(folderID string) *Cache {
	return &Cache{
		folderID: folderID,
		headers:  make(map[uint32]*models.MessageHeader),
		views:    make(map[*LiveView]struct{}),
	}
}

type snapshotPayload struct {
	Headers []*models.MessageHeader `json:"headers"`
}

// Restore rebuilds a cache from a persisted snapshot.
func Restore(folderID string, data []byte) (*Cache, error) {
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for folder %s: %w", folderID, err)
	}
	c := New(folderID)
	for _, h := range payload.Headers {
		c.headers[h.UID] = h
	}
	return c, nil
}

// FolderID returns the folder this cache belongs to.
func (c *Cache) FolderID() string {
	return c.folderID
}

// AddHeaders inserts or replaces message headers.
func (c *Cache) AddHeaders(headers ...*models.MessageHeader) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	for _, h := range headers {
		cp := *h
		cp.Flags = slices.Clone(h.Flags)
		c.headers[h.UID] = &cp
	}
	c.dirty = true
	views := c.viewsLocked()
	c.mu.Unlock()

	notify(views)
}

// Headers returns a copy of all headers, newest first.
func (c *Cache) Headers() []models.MessageHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked(0, 0)
}

func (c *Cache) sortedLocked(offset, limit int) []models.MessageHeader {
	all := make([]*models.MessageHeader, 0, len(c.headers))
	for _, h := range c.headers {
		all = append(all, h)
	}
	slices.SortFunc(all, models.CompareYoungToOld)

	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]models.MessageHeader, len(all))
	for i, h := range all {
		out[i] = *h
		out[i].Flags = slices.Clone(h.Flags)
	}
	return out
}

// ModifyFlags adds and removes flags on the given messages and returns how many changed.
func (c *Cache) ModifyFlags(uids []uint32, add, remove []string) int {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return 0
	}
	changed := 0
	for _, uid := range uids {
		h, ok := c.headers[uid]
		if !ok {
			continue
		}
		modified := false
		for _, f := range add {
			if !slices.Contains(h.Flags, f) {
				h.Flags = append(h.Flags, f)
				modified = true
			}
		}
		for _, f := range remove {
			if i := slices.Index(h.Flags, f); i >= 0 {
				h.Flags = slices.Delete(h.Flags, i, i+1)
				modified = true
			}
		}
		if modified {
			changed++
		}
	}
	if changed > 0 {
		c.dirty = true
	}
	views := c.viewsLocked()
	c.mu.Unlock()

	if changed > 0 {
		notify(views)
	}
	return changed
}

// SetDeleted marks or unmarks messages as locally deleted.
func (c *Cache) SetDeleted(uids []uint32, deleted bool) int {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return 0
	}
	changed := 0
	for _, uid := range uids {
		if h, ok := c.headers[uid]; ok && h.Deleted != deleted {
			h.Deleted = deleted
			changed++
		}
	}
	if changed > 0 {
		c.dirty = true
	}
	views := c.viewsLocked()
	c.mu.Unlock()

	if changed > 0 {
		notify(views)
	}
	return changed
}

// Flags returns the cached flags of uid.
func (c *Cache) Flags(uid uint32) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.headers[uid]
	if !ok {
		return nil, false
	}
	return slices.Clone(h.Flags), true
}

// IsDeleted reports whether uid is marked locally deleted.
func (c *Cache) IsDeleted(uid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.headers[uid]
	return ok && h.Deleted
}

func (c *Cache) GeneratePersistenceSnapshot() *models.FolderSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.tornDown {
		return nil
	}

	payload := snapshotPayload{Headers: make([]*models.MessageHeader, 0, len(c.headers))}
	for _, h := range c.sortedLocked(0, 0) {
		payload.Headers = append(payload.Headers, &h)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	c.dirty = false
	return &models.FolderSnapshot{FolderID: c.folderID, Data: data}
}

func (c *Cache) TearDown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	views := c.viewsLocked()
	clear(c.views)
	clear(c.headers)
	c.mu.Unlock()

	for _, v := range views {
		v.close()
	}
}

// TornDown reports whether TearDown has run.
func (c *Cache) TornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tornDown
}

func (c *Cache) OpenLiveView(spec ViewSpec) *LiveView {
	v := &LiveView{
		cache:   c,
		spec:    spec,
		updates: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		v.close()
		return v
	}
	c.views[v] = struct{}{}
	c.mu.Unlock()
	return v
}

func (c *Cache) viewsLocked() []*LiveView {
	out := make([]*LiveView, 0, len(c.views))
	for v := range c.views {
		out = append(out, v)
	}
	return out
}

func (c *Cache) removeView(v *LiveView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, v)
}

func notify(views []*LiveView) {
	for _, v := range views {
		v.signal()
	}
}

// LiveView is a window onto a folder that signals whenever the folder changes.
type LiveView struct {
	cache     *Cache
	spec      ViewSpec
	updates   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Headers returns the current contents of the window.
func (v *LiveView) Headers() []models.MessageHeader {
	select {
	case <-v.closed:
		return nil
	default:
	}
	v.cache.mu.Lock()
	defer v.cache.mu.Unlock()
	return v.cache.sortedLocked(v.spec.Offset, v.spec.Limit)
}

// Updates receives a value after every change. Signals coalesce.
func (v *LiveView) Updates() <-chan struct{} {
	return v.updates
}

// Closed is closed once the view stops tracking the folder.
func (v *LiveView) Closed() <-chan struct{} {
	return v.closed
}

// Close stops tracking.
func (v *LiveView) Close() {
	v.cache.removeView(v)
	v.close()
}

func (v *LiveView) close() {
	v.closeOnce.Do(func() { close(v.closed) })
}

func (v *LiveView) signal() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}
