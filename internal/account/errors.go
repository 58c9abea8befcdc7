package account

import (
	"errors"

	"github.com/vdavid/vmail/accountsync/internal/imap"
)

var (
	// ErrNoSuchFolder is returned for folder ids the account does not know.
	ErrNoSuchFolder = errors.New("account: no such folder")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("account: shut down")
	// ErrPoolFull is returned by AdoptConnection when the pool has no room for another connection.
	ErrPoolFull = errors.New("account: connection pool full")
)

// Error is the normalized failure reported to callers. The raw protocol error only goes to the sink.
type Error struct {
	Kind imap.ErrorKind
}

func (e *Error) Error() string {
	return "account: " + string(e.Kind)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind carried by err, or "" when err is not an *Error.
func KindOf(err error) imap.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
