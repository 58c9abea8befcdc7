// Package observe carries diagnostic events from the account engine to an injected sink.
package observe

import "time"

// Kind names an engine event.
type Kind string

const (
	CreateConnection      Kind = "create_connection"
	ReuseConnection       Kind = "reuse_connection"
	ReleaseConnection     Kind = "release_connection"
	DeadConnection        Kind = "dead_connection"
	UnknownDeadConnection Kind = "unknown_dead_connection"
	ConnectionMismatch    Kind = "connection_mismatch"
	ConnectionError       Kind = "connection_error"
	ConnectError          Kind = "connect_error"
	MaximumConnsNoNew     Kind = "maximum_conns_no_new"
	FolderAlreadyHasConn  Kind = "folder_already_has_conn"

	BackoffScheduled Kind = "backoff_scheduled"
	BackoffState     Kind = "backoff_state"

	FolderAdded   Kind = "folder_added"
	FolderRemoved Kind = "folder_removed"
	SyncFailed    Kind = "sync_folder_list_failed"
	DeleteFolder  Kind = "delete_folder"
	RefreshFolder Kind = "refresh_folder"

	RunOpBegin Kind = "run_op_begin"
	RunOpEnd   Kind = "run_op_end"

	SaveAccountStateBegin Kind = "save_account_state_begin"
	SaveAccountStateEnd   Kind = "save_account_state_end"
)

// Event is one structured diagnostic record.
type Event struct {
	Time      time.Time
	Kind      Kind
	AccountID string
	FolderID  string
	Label     string
	Err       error
	Fields    map[string]any
}

// Sink receives engine events. Implementations must be safe for concurrent use.
type Sink interface {
	Event(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Event implements Sink.
func (Nop) Event(Event) {}
