package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/auth"
	"github.com/vdavid/vmail/accountsync/internal/backoff"
	"github.com/vdavid/vmail/accountsync/internal/imap/imaptest"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/store"
	ws "github.com/vdavid/vmail/accountsync/internal/websocket"
)

const (
	testToken     = "test-token"
	testAccountID = "acct"
)

type testAPI struct {
	server  *httptest.Server
	account *account.Account
	imap    *imaptest.Server
	dialer  *imaptest.Dialer
	store   *store.MemoryStore
	hub     *ws.Hub
	ws      *WebSocketHandler
}

// newTestAPI serves one account backed by an in-process IMAP fake through the real routes.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	api := &testAPI{
		imap: imaptest.NewServer(
			imaptest.Mailbox("INBOX"),
			imaptest.Mailbox("Sent", `\Sent`),
			imaptest.Mailbox("Work"),
		),
		store: store.NewMemoryStore(),
		hub:   ws.NewHub(10, zerolog.Nop()),
	}
	api.dialer = imaptest.NewDialer(api.imap)

	a, err := account.New(account.Options{
		ID:          testAccountID,
		Credentials: models.Credentials{Username: "user", Password: "pass"},
		Endpoint:    models.Endpoint{Host: "imap.example.com", Security: models.SecurityTLS},
		Dialer:      api.dialer,
		Store:       api.store,
		Notifier:    ws.NewNotifier(api.hub),
		Backoff: backoff.Options{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      2,
		},
		CommandTimeout: time.Second,
	})
	require.NoError(t, err)
	api.account = a

	accounts := NewAccountSet()
	accounts.Add(a)
	api.ws = NewWebSocketHandler(accounts, api.hub, testToken)

	mux := http.NewServeMux()
	NewAccountsHandler(accounts).Register(mux, auth.RequireToken(testToken))
	mux.Handle("GET /api/v1/ws", http.HandlerFunc(api.ws.Handle))
	api.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		api.server.Close()
		api.ws.Close()
		api.hub.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return api
}

// do sends an authenticated request and decodes a JSON response into out when out is not nil.
func (api *testAPI) do(t *testing.T, method, path string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, api.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (api *testAPI) folderByPath(t *testing.T, path string) models.FolderMeta {
	t.Helper()
	for _, f := range api.account.Folders() {
		if f.Path == path {
			return f
		}
	}
	t.Fatalf("folder %q not found", path)
	return models.FolderMeta{}
}
