package imap

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// MailboxNode is one level of the server's mailbox hierarchy.
type MailboxNode struct {
	// Name is the leaf name, without any parent segments.
	Name       string
	Delim      string
	Attributes []string
	Children   []*MailboxNode
}

// BuildMailboxTree turns a flat LIST response into a forest sorted by name.
// Parents the server did not list on their own become \Noselect placeholders.
func BuildMailboxTree(infos []*imap.MailboxInfo) []*MailboxNode {
	sorted := make([]*imap.MailboxInfo, 0, len(infos))
	for _, info := range infos {
		if info != nil && info.Name != "" {
			sorted = append(sorted, info)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byPath := make(map[string]*MailboxNode)
	var roots []*MailboxNode

	for _, info := range sorted {
		segments := []string{info.Name}
		if info.Delimiter != "" {
			segments = strings.Split(info.Name, info.Delimiter)
		}

		var parent *MailboxNode
		for depth := range segments {
			path := strings.Join(segments[:depth+1], info.Delimiter)
			node, ok := byPath[path]
			if !ok {
				node = &MailboxNode{
					Name:       segments[depth],
					Delim:      info.Delimiter,
					Attributes: []string{imap.NoSelectAttr},
				}
				byPath[path] = node
				if parent == nil {
					roots = append(roots, node)
				} else {
					parent.Children = append(parent.Children, node)
				}
			}
			parent = node
		}
		parent.Attributes = append([]string(nil), info.Attributes...)
	}

	return roots
}

// normalizeAttribute strips the leading backslash and upper-cases, so "\Sent" and "SENT" compare equal.
func normalizeAttribute(attr string) string {
	return strings.ToUpper(strings.TrimPrefix(attr, "\\"))
}

var attributeTypes = map[string]models.FolderType{
	"ALL":     models.FolderTypeArchive,
	"ALLMAIL": models.FolderTypeArchive,
	"ARCHIVE": models.FolderTypeArchive,
	"DRAFTS":  models.FolderTypeDrafts,
	"FLAGGED": models.FolderTypeStarred,
	"STARRED": models.FolderTypeStarred,
	"INBOX":   models.FolderTypeInbox,
	"JUNK":    models.FolderTypeJunk,
	"SPAM":    models.FolderTypeJunk,
	"SENT":    models.FolderTypeSent,
	"TRASH":   models.FolderTypeTrash,
}

var leafNameTypes = map[string]models.FolderType{
	"DRAFT":  models.FolderTypeDrafts,
	"DRAFTS": models.FolderTypeDrafts,
	"INBOX":  models.FolderTypeInbox,
	"JUNK":   models.FolderTypeJunk,
	"SPAM":   models.FolderTypeJunk,
	"SENT":   models.FolderTypeSent,
	"TRASH":  models.FolderTypeTrash,
}

// DetermineFolderType classifies a mailbox.
// NOSELECT wins over everything. Otherwise attributes are scanned in the order the server sent
// them and the first recognized one decides; then the leaf name is matched case-insensitively.
func DetermineFolderType(attributes []string, path, delim string) models.FolderType {
	normalized := make([]string, len(attributes))
	for i, attr := range attributes {
		normalized[i] = normalizeAttribute(attr)
		if normalized[i] == "NOSELECT" {
			return models.FolderTypeNoMail
		}
	}

	for _, attr := range normalized {
		if t, ok := attributeTypes[attr]; ok {
			return t
		}
	}

	leaf := path
	if delim != "" {
		if i := strings.LastIndex(path, delim); i >= 0 {
			leaf = path[i+len(delim):]
		}
	}
	if t, ok := leafNameTypes[strings.ToUpper(leaf)]; ok {
		return t
	}

	return models.FolderTypeNormal
}
