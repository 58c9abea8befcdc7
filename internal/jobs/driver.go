// Package jobs runs user-requested mutations through the five-mode operation protocol.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
)

// Mode is the phase of an operation being executed.
type Mode string

const (
	ModeLocalDo   Mode = "local_do"
	ModeCheck     Mode = "check"
	ModeDo        Mode = "do"
	ModeLocalUndo Mode = "local_undo"
	ModeUndo      Mode = "undo"
)

// Modes lists every mode in protocol order.
var Modes = []Mode{ModeLocalDo, ModeCheck, ModeDo, ModeLocalUndo, ModeUndo}

// Status is what an operation's status becomes while this mode runs. Local modes leave it alone.
func (m Mode) Status() string {
	switch m {
	case ModeDo:
		return "doing"
	case ModeCheck:
		return "checking"
	case ModeUndo:
		return "undoing"
	}
	return ""
}

// Valid reports whether m is one of the five modes.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Result is what a handler hands back.
type Result struct {
	Value any
	// SaveSuggested asks the account to checkpoint once the job is done.
	SaveSuggested bool
}

// Handler executes one mode of one operation type.
type Handler func(ctx context.Context, jc *Context, op *models.Operation) (Result, error)

// Handlers is the complete set for one operation type. All five are required.
type Handlers struct {
	LocalDo   Handler
	Check     Handler
	Do        Handler
	LocalUndo Handler
	Undo      Handler
}

func (h Handlers) forMode(m Mode) Handler {
	switch m {
	case ModeLocalDo:
		return h.LocalDo
	case ModeCheck:
		return h.Check
	case ModeDo:
		return h.Do
	case ModeLocalUndo:
		return h.LocalUndo
	case ModeUndo:
		return h.Undo
	}
	return nil
}

var (
	// ErrIncompleteHandlers is returned by Register when a mode has no handler.
	ErrIncompleteHandlers = errors.New("jobs: every mode needs a handler")
	// ErrDuplicateType is returned by Register when the type is already registered.
	ErrDuplicateType = errors.New("jobs: operation type already registered")
	// ErrUnknownFolder is returned by handlers when the operation names a folder the account does not know.
	ErrUnknownFolder = errors.New("jobs: unknown folder")
)

// UnsupportedError reports a (mode, type) pair with no registered handler.
// It is a programming error, not a runtime condition, and is never retried.
type UnsupportedError struct {
	Mode Mode
	Type string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("jobs: unsupported operation %q in mode %q", e.Type, e.Mode)
}

// Table maps operation types to their handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handlers
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handlers)}
}

// Register adds the handlers for opType.
func (t *Table) Register(opType string, h Handlers) error {
	if opType == "" {
		return fmt.Errorf("jobs: empty operation type")
	}
	for _, m := range Modes {
		if h.forMode(m) == nil {
			return fmt.Errorf("%w: %s has no %s handler", ErrIncompleteHandlers, opType, m)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[opType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, opType)
	}
	t.handlers[opType] = h
	return nil
}

// Lookup returns the handler for (mode, opType).
func (t *Table) Lookup(mode Mode, opType string) (Handler, error) {
	t.mu.RLock()
	h, ok := t.handlers[opType]
	t.mu.RUnlock()
	if !ok || !mode.Valid() {
		return nil, &UnsupportedError{Mode: mode, Type: opType}
	}
	return h.forMode(mode), nil
}

// Types returns the registered operation types.
func (t *Table) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		out = append(out, k)
	}
	return out
}

// Host is what the account lends to running jobs.
type Host interface {
	// Borrow blocks until a pooled connection is granted for folderID.
	Borrow(ctx context.Context, folderID, label string) (imap.Conn, func(closeFolder, resourceProblem bool), error)
	FolderMeta(folderID string) (models.FolderMeta, bool)
	FolderStorage(folderID string) (folderstore.Storage, bool)
}

// Driver dispatches operations through a Table.
type Driver struct {
	table     *Table
	host      Host
	sink      observe.Sink
	accountID string
}

// NewDriver creates a driver. A nil sink discards events.
func NewDriver(table *Table, host Host, sink observe.Sink, accountID string) *Driver {
	if sink == nil {
		sink = observe.Nop{}
	}
	return &Driver{table: table, host: host, sink: sink, accountID: accountID}
}

// Run executes op in mode and returns once cleanup has released every borrowed connection.
// Handler errors are returned unchanged.
func (d *Driver) Run(ctx context.Context, op *models.Operation, mode Mode) (Result, error) {
	h, err := d.table.Lookup(mode, op.Type)
	if err != nil {
		return Result{}, err
	}
	return d.run(ctx, op, mode, h)
}

// RunAsync validates the dispatch synchronously, then runs op in the background and calls cb with the outcome.
// An unsupported (mode, type) is returned immediately and cb is never called.
func (d *Driver) RunAsync(ctx context.Context, op *models.Operation, mode Mode, cb func(Result, error)) error {
	h, err := d.table.Lookup(mode, op.Type)
	if err != nil {
		return err
	}
	go func() {
		res, err := d.run(ctx, op, mode, h)
		if cb != nil {
			cb(res, err)
		}
	}()
	return nil
}

func (d *Driver) run(ctx context.Context, op *models.Operation, mode Mode, h Handler) (res Result, err error) {
	if status := mode.Status(); status != "" {
		op.SetStatus(status)
	}

	started := time.Now()
	d.sink.Event(observe.Event{
		Time:      started,
		Kind:      observe.RunOpBegin,
		AccountID: d.accountID,
		FolderID:  op.FolderID,
		Fields:    map[string]any{"type": op.Type, "mode": string(mode), "longterm_id": op.LongtermID},
	})

	jc := &Context{host: d.host, mode: mode, opType: op.Type}
	defer func() {
		jc.cleanup()
		d.sink.Event(observe.Event{
			Time:      time.Now(),
			Kind:      observe.RunOpEnd,
			AccountID: d.accountID,
			FolderID:  op.FolderID,
			Err:       err,
			Fields: map[string]any{
				"type":           op.Type,
				"mode":           string(mode),
				"save_suggested": res.SaveSuggested,
				"duration_ms":    time.Since(started).Milliseconds(),
			},
		})
	}()

	return h(ctx, jc, op)
}
