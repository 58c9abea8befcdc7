package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/backoff"
	"github.com/vdavid/vmail/accountsync/internal/folderstore"
	"github.com/vdavid/vmail/accountsync/internal/jobs"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

const defaultMessagesPerPage = 50

// AccountsHandler serves the account, folder and operation endpoints.
type AccountsHandler struct {
	accounts *AccountSet
}

// NewAccountsHandler creates a new AccountsHandler instance.
func NewAccountsHandler(accounts *AccountSet) *AccountsHandler {
	return &AccountsHandler{accounts: accounts}
}

// Register mounts the handler's routes on mux, each wrapped in wrap.
func (h *AccountsHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /api/v1/accounts":                                  h.ListAccounts,
		"GET /api/v1/accounts/{account}/folders":                h.ListFolders,
		"POST /api/v1/accounts/{account}/sync":                  h.SyncFolders,
		"POST /api/v1/accounts/{account}/check":                 h.CheckAccount,
		"DELETE /api/v1/accounts/{account}/folders/{folder...}": h.DeleteFolder,
		"GET /api/v1/accounts/{account}/messages":               h.ListMessages,
		"POST /api/v1/accounts/{account}/refresh":               h.RefreshFolder,
		"POST /api/v1/accounts/{account}/operations":            h.RunOperation,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, wrap(fn))
	}
}

type accountResponse struct {
	ID          string             `json:"id"`
	Flavor      string             `json:"flavor"`
	State       backoff.State      `json:"state"`
	ActiveConns int                `json:"active_conns"`
	Meta        models.AccountMeta `json:"meta"`
}

// ListAccounts returns every account with its connection state.
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, _ *http.Request) {
	all := h.accounts.All()
	out := make([]accountResponse, 0, len(all))
	for _, a := range all {
		out = append(out, accountResponse{
			ID:          a.ID(),
			Flavor:      a.Flavor().Name(),
			State:       a.BackoffState(),
			ActiveConns: a.NumActiveConns(),
			Meta:        a.Meta(),
		})
	}
	WriteJSONResponse(w, out)
}

// ListFolders returns the account's known folders in registry order.
func (h *AccountsHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	WriteJSONResponse(w, a.Folders())
}

// SyncFolders reconciles the folder list with the server and returns the result.
func (h *AccountsHandler) SyncFolders(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := a.SyncFolderList(r.Context()); err != nil {
		log.Warn().Err(err).Str("account", a.ID()).Msg("API: folder sync failed")
		writeAccountError(w, err)
		return
	}
	WriteJSONResponse(w, a.Folders())
}

// CheckAccount verifies the stored credentials against the server.
func (h *AccountsHandler) CheckAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	if err := a.CheckAccount(r.Context()); err != nil {
		writeAccountError(w, err)
		return
	}
	WriteJSONResponse(w, map[string]bool{"ok": true})
}

// DeleteFolder deletes a folder on the server and forgets it locally.
// The folder may be given by its full id or by the part after the account prefix.
func (h *AccountsHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	folderID := r.PathValue("folder")
	if !strings.HasPrefix(folderID, a.ID()+"/") {
		folderID = a.ID() + "/" + folderID
	}

	meta, err := a.DeleteFolder(r.Context(), folderID)
	if err != nil {
		writeAccountError(w, err)
		return
	}
	WriteJSONResponse(w, meta)
}

type messagesResponse struct {
	FolderID string                 `json:"folder_id"`
	Page     int                    `json:"page"`
	Limit    int                    `json:"limit"`
	Messages []models.MessageHeader `json:"messages"`
}

// ListMessages returns one page of a folder's cached headers, newest first.
func (h *AccountsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	folderID := r.URL.Query().Get("folder")
	if folderID == "" {
		http.Error(w, "folder is required", http.StatusBadRequest)
		return
	}

	page, limit := ParsePaginationParams(r, defaultMessagesPerPage)
	view, err := a.SliceFolderMessages(folderID, folderstore.ViewSpec{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		writeAccountError(w, err)
		return
	}
	defer view.Close()

	messages := view.Headers()
	if messages == nil {
		messages = []models.MessageHeader{}
	}
	WriteJSONResponse(w, messagesResponse{FolderID: folderID, Page: page, Limit: limit, Messages: messages})
}

// RefreshFolder fetches the newest headers of ?folder= from the server. ?limit= caps how many, up
// to account.MaxRefreshLimit.
func (h *AccountsHandler) RefreshFolder(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}
	folderID := r.URL.Query().Get("folder")
	if folderID == "" {
		http.Error(w, "folder is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	n, err := a.RefreshFolder(r.Context(), folderID, limit)
	if err != nil {
		writeAccountError(w, err)
		return
	}
	WriteJSONResponse(w, map[string]int{"fetched": n})
}

type operationResponse struct {
	LongtermID    string `json:"longterm_id"`
	Status        string `json:"status"`
	SaveSuggested bool   `json:"save_suggested"`
	Result        any    `json:"result,omitempty"`
}

// RunOperation runs one mode of an operation. The mode comes from ?mode= and the operation from the body.
func (h *AccountsHandler) RunOperation(w http.ResponseWriter, r *http.Request) {
	a, ok := h.account(w, r)
	if !ok {
		return
	}

	mode := jobs.Mode(r.URL.Query().Get("mode"))
	if !mode.Valid() {
		http.Error(w, "mode must be one of local_do, check, do, local_undo, undo", http.StatusBadRequest)
		return
	}

	var op models.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := a.RunOperation(r.Context(), &op, mode)
	if err != nil {
		log.Debug().Err(err).Str("account", a.ID()).Str("type", op.Type).Str("mode", string(mode)).Msg("API: operation failed")
		writeAccountError(w, err)
		return
	}
	WriteJSONResponse(w, operationResponse{
		LongtermID:    op.LongtermID,
		Status:        op.Status(),
		SaveSuggested: res.SaveSuggested,
		Result:        res.Value,
	})
}

func (h *AccountsHandler) account(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	a, ok := h.accounts.Get(r.PathValue("account"))
	if !ok {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}
	return a, true
}
