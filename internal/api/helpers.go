package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/jobs"
)

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return page, limit
}

// WriteJSONResponse encodes v into a buffer first so a failed encoding never leaves a partial body.
// Returns false when nothing could be written.
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	return writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("API: failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("API: failed to write response")
		return false
	}
	return true
}

type errorResponse struct {
	Error string         `json:"error"`
	Kind  imap.ErrorKind `json:"kind,omitempty"`
}

// writeAccountError maps engine errors to HTTP statuses.
// Server-side failures are reported as 502 with the normalized kind.
func writeAccountError(w http.ResponseWriter, err error) {
	var unsupported *jobs.UnsupportedError
	switch {
	case errors.Is(err, account.ErrNoSuchFolder), errors.Is(err, jobs.ErrUnknownFolder):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no such folder"})
	case errors.As(err, &unsupported):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: unsupported.Error()})
	case errors.Is(err, account.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "account is shutting down"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "timed out"})
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads this.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		kind := account.KindOf(err)
		if kind == "" {
			kind = imap.KindUnknown
		}
		status := http.StatusBadGateway
		if kind == imap.KindOffline {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: "mail server request failed", Kind: kind})
	}
}
