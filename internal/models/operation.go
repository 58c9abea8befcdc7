package models

import "sync"

// Operation is a user-requested mutation.
// Status is read concurrently by callers while a job runs, so it is only reachable through accessors.
type Operation struct {
	LongtermID  string   `json:"longterm_id"`
	Type        string   `json:"type"`
	FolderID    string   `json:"folder_id"`
	UIDs        []uint32 `json:"uids"`
	AddFlags    []string `json:"add_flags,omitempty"`
	RemoveFlags []string `json:"remove_flags,omitempty"`

	mu     sync.Mutex
	status string
}

// Status returns the last mode attempted in its present-continuous form, or "" while purely local.
func (o *Operation) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// SetStatus records the mode being attempted.
func (o *Operation) SetStatus(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
}
