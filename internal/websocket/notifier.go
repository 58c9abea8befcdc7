package websocket

import (
	"encoding/json"

	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// Message types pushed to subscribers.
const (
	TypeFolderAdded    = "folder_added"
	TypeFolderRemoved  = "folder_removed"
	TypeFolderChanged  = "folder_changed"
	TypeAccountProblem = "account_problem"
)

// Message is the JSON frame sent to subscribers.
type Message struct {
	Type      string             `json:"type"`
	AccountID string             `json:"account_id"`
	Folder    *models.FolderMeta `json:"folder,omitempty"`
	Problem   imap.ErrorKind     `json:"problem,omitempty"`
}

// Notifier forwards account notifications to the hub's subscribers.
type Notifier struct {
	hub *Hub
}

// NewNotifier returns a Notifier broadcasting through hub.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) FolderAdded(accountID string, folder models.FolderMeta) {
	n.send(Message{Type: TypeFolderAdded, AccountID: accountID, Folder: &folder})
}

func (n *Notifier) FolderRemoved(accountID string, folder models.FolderMeta) {
	n.send(Message{Type: TypeFolderRemoved, AccountID: accountID, Folder: &folder})
}

func (n *Notifier) FolderChanged(accountID string, folder models.FolderMeta) {
	n.send(Message{Type: TypeFolderChanged, AccountID: accountID, Folder: &folder})
}

func (n *Notifier) AccountProblem(accountID string, kind imap.ErrorKind) {
	n.send(Message{Type: TypeAccountProblem, AccountID: accountID, Problem: kind})
}

func (n *Notifier) send(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.hub.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode notification")
		return
	}
	n.hub.Send(msg.AccountID, payload)
}
