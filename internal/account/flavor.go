package account

import (
	"fmt"
	"strings"

	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// Flavor adjusts the account engine for a specific provider. The set is closed: Generic and Gmail.
type Flavor interface {
	Name() string
	classify(attributes []string, path, delim string) models.FolderType
}

// Generic is the plain IMAP flavor.
type Generic struct{}

func (Generic) Name() string { return "generic" }

func (Generic) classify(attributes []string, path, delim string) models.FolderType {
	return imap.DetermineFolderType(attributes, path, delim)
}

// Gmail knows the well-known paths of Gmail's system folders, which older servers list without attributes.
type Gmail struct{}

var gmailSystemFolders = map[string]models.FolderType{
	"All Mail":  models.FolderTypeArchive,
	"Starred":   models.FolderTypeStarred,
	"Sent Mail": models.FolderTypeSent,
	"Spam":      models.FolderTypeJunk,
	"Bin":       models.FolderTypeTrash,
	"Trash":     models.FolderTypeTrash,
}

func (Gmail) Name() string { return "gmail" }

func (Gmail) classify(attributes []string, path, delim string) models.FolderType {
	t := imap.DetermineFolderType(attributes, path, delim)
	if t != models.FolderTypeNormal {
		return t
	}
	for _, root := range []string{"[Gmail]/", "[Google Mail]/"} {
		if rest, ok := strings.CutPrefix(path, root); ok {
			if override, ok := gmailSystemFolders[rest]; ok {
				return override
			}
		}
	}
	return t
}

// FlavorByName resolves a configured flavor name. An empty name means Generic.
func FlavorByName(name string) (Flavor, error) {
	switch strings.ToLower(name) {
	case "", "generic":
		return Generic{}, nil
	case "gmail":
		return Gmail{}, nil
	}
	return nil, fmt.Errorf("account: unknown flavor %q", name)
}
