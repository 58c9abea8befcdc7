package jobs

import (
	"context"
	"slices"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

const (
	TypeModifyTags = "modtags"
	TypeDelete     = "delete"
)

// CheckResult is the value of a check-mode run: whether the server already reflects the operation.
type CheckResult struct {
	Applied bool                `json:"applied"`
	Flags   map[uint32][]string `json:"flags,omitempty"`
}

// RegisterMailJobs registers the built-in operation types.
func RegisterMailJobs(t *Table) error {
	if err := t.Register(TypeModifyTags, Handlers{
		LocalDo:   localModifyTags(false),
		Check:     checkModifyTags,
		Do:        serverModifyTags(false),
		LocalUndo: localModifyTags(true),
		Undo:      serverModifyTags(true),
	}); err != nil {
		return err
	}

	return t.Register(TypeDelete, Handlers{
		LocalDo:   localDelete(true),
		Check:     checkDelete,
		Do:        serverDelete(true),
		LocalUndo: localDelete(false),
		Undo:      serverDelete(false),
	})
}

func tagsFor(op *models.Operation, undo bool) (add, remove []string) {
	if undo {
		return op.RemoveFlags, op.AddFlags
	}
	return op.AddFlags, op.RemoveFlags
}

func localModifyTags(undo bool) Handler {
	return func(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
		storage, err := jc.Storage(op.FolderID)
		if err != nil {
			return Result{}, err
		}
		add, remove := tagsFor(op, undo)
		changed := storage.ModifyFlags(op.UIDs, add, remove)
		return Result{Value: changed, SaveSuggested: changed > 0}, nil
	}
}

func serverModifyTags(undo bool) Handler {
	return func(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
		conn, err := jc.SelectedConn(ctx, op.FolderID, false)
		if err != nil {
			return Result{}, err
		}
		add, remove := tagsFor(op, undo)
		if err := conn.StoreFlags(ctx, op.UIDs, imap.AddFlags, add); err != nil {
			return Result{}, err
		}
		if err := conn.StoreFlags(ctx, op.UIDs, imap.RemoveFlags, remove); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	}
}

func checkModifyTags(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
	conn, err := jc.SelectedConn(ctx, op.FolderID, true)
	if err != nil {
		return Result{}, err
	}
	flags, err := conn.FetchFlags(ctx, op.UIDs)
	if err != nil {
		return Result{}, err
	}

	applied := true
	for _, uid := range op.UIDs {
		have, ok := flags[uid]
		if !ok {
			applied = false
			break
		}
		for _, f := range op.AddFlags {
			if !hasFlag(have, f) {
				applied = false
			}
		}
		for _, f := range op.RemoveFlags {
			if hasFlag(have, f) {
				applied = false
			}
		}
	}
	return Result{Value: CheckResult{Applied: applied, Flags: flags}}, nil
}

func localDelete(deleted bool) Handler {
	return func(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
		storage, err := jc.Storage(op.FolderID)
		if err != nil {
			return Result{}, err
		}
		changed := storage.SetDeleted(op.UIDs, deleted)
		return Result{Value: changed, SaveSuggested: changed > 0}, nil
	}
}

// serverDelete sets or clears \Deleted. Setting it leaves the mailbox selected on release, so
// the message survives until a later CLOSE on that folder and Undo can still clear the flag.
func serverDelete(deleted bool) Handler {
	return func(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
		conn, err := jc.SelectedConn(ctx, op.FolderID, false)
		if err != nil {
			return Result{}, err
		}
		if deleted {
			jc.KeepMailboxOpen()
		}
		flagOp := imap.AddFlags
		if !deleted {
			flagOp = imap.RemoveFlags
		}
		if err := conn.StoreFlags(ctx, op.UIDs, flagOp, []string{goimap.DeletedFlag}); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	}
}

func checkDelete(ctx context.Context, jc *Context, op *models.Operation) (Result, error) {
	conn, err := jc.SelectedConn(ctx, op.FolderID, true)
	if err != nil {
		return Result{}, err
	}
	flags, err := conn.FetchFlags(ctx, op.UIDs)
	if err != nil {
		return Result{}, err
	}

	applied := true
	for _, uid := range op.UIDs {
		have, ok := flags[uid]
		if ok && !hasFlag(have, goimap.DeletedFlag) {
			applied = false
			break
		}
	}
	return Result{Value: CheckResult{Applied: applied, Flags: flags}}, nil
}

// hasFlag compares case-insensitively, as IMAP flag names are.
func hasFlag(flags []string, flag string) bool {
	return slices.ContainsFunc(flags, func(f string) bool { return strings.EqualFold(f, flag) })
}
