package models

import (
	"fmt"
	"strconv"
	"time"
)

// SecurityMode is the transport security used to reach the IMAP server.
type SecurityMode string

const (
	SecurityTLS      SecurityMode = "tls"
	SecurityStartTLS SecurityMode = "starttls"
	SecurityPlain    SecurityMode = "plain"
)

// Credentials are held in memory in cleartext for the lifetime of the account.
type Credentials struct {
	Username string
	Password string
}

// Endpoint describes where the IMAP server lives.
type Endpoint struct {
	Host     string
	Port     int
	Security SecurityMode
}

// Address returns host:port, filling in the default port for the security mode.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = 143
		if e.Security == SecurityTLS {
			port = 993
		}
	}
	return fmt.Sprintf("%s:%s", e.Host, strconv.Itoa(port))
}

// AccountMeta is account-wide metadata derived from probing the account.
type AccountMeta struct {
	NextFolderNum         int64      `json:"next_folder_num"`
	NextMutationNum       int64      `json:"next_mutation_num"`
	LastFullFolderProbeAt *time.Time `json:"last_full_folder_probe_at,omitempty"`
	Capability            []string   `json:"capability,omitempty"`
	RootDelim             string     `json:"root_delim,omitempty"`
}

// AccountState is everything the durable store keeps for one account.
type AccountState struct {
	AccountID string
	Meta      AccountMeta
	Folders   map[string]*FolderInfo
	Snapshots map[string][]byte
}

// AccountStateSave is one checkpoint write. It is applied atomically.
type AccountStateSave struct {
	AccountID     string
	Meta          AccountMeta
	FolderInfos   map[string]*FolderInfo
	Snapshots     []FolderSnapshot
	DeadFolderIDs []string
}
