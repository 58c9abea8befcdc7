package models

// FolderType is the semantic role of a folder.
type FolderType string

const (
	FolderTypeInbox   FolderType = "inbox"
	FolderTypeSent    FolderType = "sent"
	FolderTypeDrafts  FolderType = "drafts"
	FolderTypeTrash   FolderType = "trash"
	FolderTypeJunk    FolderType = "junk"
	FolderTypeArchive FolderType = "archive"
	FolderTypeStarred FolderType = "starred"
	FolderTypeNormal  FolderType = "normal"
	// FolderTypeNoMail is used for folders that cannot be selected for message listing.
	FolderTypeNoMail FolderType = "nomail"
)

// FolderMeta is the public identity of a folder.
type FolderMeta struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Path  string     `json:"path"`
	Type  FolderType `json:"type"`
	Delim string     `json:"delim"`
	Depth int        `json:"depth"`
}

// FolderInfo is the record persisted for every folder the account knows about.
type FolderInfo struct {
	Meta            FolderMeta `json:"meta"`
	NextHeaderBlock int        `json:"next_header_block"`
	NextBodyBlock   int        `json:"next_body_block"`
}

// Clone returns a deep copy that can be handed to a writer outside the account lock.
func (f *FolderInfo) Clone() *FolderInfo {
	c := *f
	return &c
}

// FolderSnapshot is the opaque dirty state a folder content store hands over at checkpoint time.
type FolderSnapshot struct {
	FolderID string
	Data     []byte
}
