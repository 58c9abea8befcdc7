package observe

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologSink writes events as structured log lines.
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink creates a sink writing JSON lines to w.
func NewZerologSink(w io.Writer, level zerolog.Level) *ZerologSink {
	return &ZerologSink{
		log: zerolog.New(w).Level(level).With().Timestamp().Str("component", "account").Logger(),
	}
}

// NewZerologSinkFromLogger reuses an existing logger.
func NewZerologSinkFromLogger(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log}
}

// Event implements Sink.
func (s *ZerologSink) Event(ev Event) {
	var e *zerolog.Event
	switch ev.Kind {
	case UnknownDeadConnection, ConnectionMismatch, ConnectionError, ConnectError, FolderAlreadyHasConn, SyncFailed:
		e = s.log.Warn()
	case RunOpBegin, BackoffScheduled, ReuseConnection, ReleaseConnection, SaveAccountStateBegin:
		e = s.log.Debug()
	default:
		e = s.log.Info()
	}
	if ev.AccountID != "" {
		e = e.Str("account", ev.AccountID)
	}
	if ev.FolderID != "" {
		e = e.Str("folder", ev.FolderID)
	}
	if ev.Label != "" {
		e = e.Str("label", ev.Label)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	if len(ev.Fields) > 0 {
		e = e.Fields(ev.Fields)
	}
	e.Msg(string(ev.Kind))
}
