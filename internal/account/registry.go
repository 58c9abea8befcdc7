package account

import (
	"slices"
	"sort"
	"strings"

	"github.com/vdavid/vmail/accountsync/internal/a64"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

// Folders returns the known folders sorted by path.
func (a *Account) Folders() []models.FolderMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.FolderMeta, len(a.folders))
	for i, m := range a.folders {
		out[i] = *m
	}
	return out
}

// Folder returns the metadata of folderID.
func (a *Account) Folder(folderID string) (models.FolderMeta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.folderInfos[folderID]
	if !ok {
		return models.FolderMeta{}, false
	}
	return info.Meta, true
}

// FolderByType returns the first folder of type t in path order.
func (a *Account) FolderByType(t models.FolderType) (models.FolderMeta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.folders {
		if m.Type == t {
			return *m, true
		}
	}
	return models.FolderMeta{}, false
}

// FolderStorage returns the content store of folderID.
func (a *Account) FolderStorage(folderID string) (folderstore.Storage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.storages[folderID]
	if !ok {
		return nil, ErrNoSuchFolder
	}
	return s, nil
}

// FolderStorageForMessage returns the content store holding the message with the given
// account-unique id, "<folder id>/<message id>".
func (a *Account) FolderStorageForMessage(suid string) (folderstore.Storage, error) {
	i := strings.LastIndex(suid, "/")
	if i <= 0 {
		return nil, ErrNoSuchFolder
	}
	return a.FolderStorage(suid[:i])
}

// SliceFolderMessages opens a live view onto folderID.
func (a *Account) SliceFolderMessages(folderID string, view folderstore.ViewSpec) (*folderstore.LiveView, error) {
	s, err := a.FolderStorage(folderID)
	if err != nil {
		return nil, err
	}
	return s.OpenLiveView(view), nil
}

// learnAboutFolderLocked registers a folder the account has not seen before.
func (a *Account) learnAboutFolderLocked(name, path string, t models.FolderType, delim string, depth int, o *outbox) models.FolderMeta {
	id := a.id + "/" + a64.EncodeInt(a.meta.NextFolderNum)
	a.meta.NextFolderNum++

	info := &models.FolderInfo{
		Meta: models.FolderMeta{
			ID:    id,
			Name:  name,
			Path:  path,
			Type:  t,
			Delim: delim,
			Depth: depth,
		},
	}
	a.folderInfos[id] = info
	a.storages[id] = a.newStorage(id)

	i := sort.Search(len(a.folders), func(i int) bool { return a.folders[i].Path >= path })
	a.folders = slices.Insert(a.folders, i, &info.Meta)

	meta := info.Meta
	o.event(a, observe.Event{Kind: observe.FolderAdded, FolderID: id, Fields: map[string]any{"path": path, "type": string(t)}})
	o.add(func() { a.notifier.FolderAdded(a.id, meta) })
	return meta
}

// forgetFolderLocked drops a folder from the registry. Its id goes to the dead list so the next
// checkpoint deletes it, and its content store is torn down once.
func (a *Account) forgetFolderLocked(folderID string, o *outbox) {
	info, ok := a.folderInfos[folderID]
	if !ok {
		return
	}
	storage := a.storages[folderID]
	delete(a.folderInfos, folderID)
	delete(a.storages, folderID)
	a.folders = slices.DeleteFunc(a.folders, func(m *models.FolderMeta) bool { return m.ID == folderID })
	a.deadFolderIDs = append(a.deadFolderIDs, folderID)

	meta := info.Meta
	if storage != nil {
		o.add(storage.TearDown)
	}
	o.event(a, observe.Event{Kind: observe.FolderRemoved, FolderID: folderID, Fields: map[string]any{"path": meta.Path}})
	o.add(func() { a.notifier.FolderRemoved(a.id, meta) })
}
