package imap

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// ErrorKind is the normalized reason a connection could not be established.
type ErrorKind string

const (
	KindBadUserOrPass      ErrorKind = "bad-user-or-pass"
	KindServerMaintenance  ErrorKind = "server-maintenance"
	KindUnresponsiveServer ErrorKind = "unresponsive-server"
	KindUnknown            ErrorKind = "unknown"
	KindOffline            ErrorKind = "offline"
)

// Stage is the step of connection setup that failed.
type Stage string

const (
	StageDial  Stage = "dial"
	StageLogin Stage = "login"
)

// ConnectError is returned by Dialer.Connect.
type ConnectError struct {
	Stage Stage
	Kind  ErrorKind
	// Reachable is true when the server answered but refused us.
	Reachable bool
	Err       error
}

func (e *ConnectError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Terminal reports whether retrying without outside intervention is pointless.
func (e *ConnectError) Terminal() bool {
	return e.Kind == KindBadUserOrPass
}

var maintenanceHints = []string{"unavailable", "maintenance", "try again later", "temporarily", "[inuse]"}

func looksLikeMaintenance(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range maintenanceHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classify(stage Stage, err error) *ConnectError {
	ce := &ConnectError{Stage: stage, Err: err, Kind: KindUnknown}
	switch {
	case isTimeout(err):
		ce.Kind = KindUnresponsiveServer
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		ce.Kind = KindUnknown
	case looksLikeMaintenance(err.Error()), stage == StageDial && strings.Contains(err.Error(), "BYE"):
		ce.Kind = KindServerMaintenance
		ce.Reachable = true
	case stage == StageLogin:
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			ce.Kind = KindBadUserOrPass
			ce.Reachable = true
		}
	}
	return ce
}

// ClassifyConnectError maps any connect failure to its kind and whether the server was reachable.
// Errors that did not come from Dialer.Connect are treated as dial failures.
func ClassifyConnectError(err error) (ErrorKind, bool) {
	if err == nil {
		return "", true
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, ce.Reachable
	}
	c := classify(StageDial, err)
	return c.Kind, c.Reachable
}
