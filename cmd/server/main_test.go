package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vmail/accountsync/internal/api"
	"github.com/vdavid/vmail/accountsync/internal/config"
	"github.com/vdavid/vmail/accountsync/internal/imap/imaptest"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
	ws "github.com/vdavid/vmail/accountsync/internal/websocket"
)

const testToken = "test-token"

func testAccountConfigs(ids ...string) []config.AccountConfig {
	out := make([]config.AccountConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, config.AccountConfig{
			ID:          id,
			Endpoint:    models.Endpoint{Host: "imap.example.com", Port: 993, Security: models.SecurityTLS},
			Credentials: models.Credentials{Username: id, Password: "pass"},
			MaxConns:    3,
		})
	}
	return out
}

func testDeps() accountDeps {
	server := imaptest.NewServer(imaptest.Mailbox("INBOX"), imaptest.Mailbox("Archive"))
	return accountDeps{
		dialer:   imaptest.NewDialer(server),
		store:    store.NewMemoryStore(),
		notifier: ws.NewNotifier(ws.NewHub(10, zerolog.Nop())),
		sink:     observe.Nop{},
	}
}

func shutdownAll(t *testing.T, accounts *api.AccountSet) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, a := range accounts.All() {
			_ = a.Shutdown(ctx)
		}
	})
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}
	if contentType := res.Header.Get("Content-Type"); contentType != "text/plain" {
		t.Errorf("expected Content-Type 'text/plain', got '%s'", contentType)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if string(body) != "V-Mail account sync is running" {
		t.Errorf("unexpected body '%s'", string(body))
	}
}

func TestNewServer(t *testing.T) {
	accounts, err := openAccounts(context.Background(), testAccountConfigs("acct"), testDeps())
	if err != nil {
		t.Fatalf("openAccounts() failed: %v", err)
	}
	shutdownAll(t, accounts)

	cfg := &config.Config{APIToken: testToken}
	wsHandler := api.NewWebSocketHandler(accounts, ws.NewHub(10, zerolog.Nop()), cfg.APIToken)
	defer wsHandler.Close()
	server := NewServer(cfg, accounts, wsHandler)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"root", "/", "", http.StatusOK},
		{"accounts without token", "/api/v1/accounts", "", http.StatusUnauthorized},
		{"accounts with token", "/api/v1/accounts", testToken, http.StatusOK},
		{"unknown path", "/nope", testToken, http.StatusNotFound},
		{"websocket without token", "/api/v1/ws?account=acct", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestOpenAccounts(t *testing.T) {
	t.Run("keeps the configured order", func(t *testing.T) {
		accounts, err := openAccounts(context.Background(), testAccountConfigs("b", "a", "c"), testDeps())
		if err != nil {
			t.Fatalf("openAccounts() failed: %v", err)
		}
		shutdownAll(t, accounts)

		var ids []string
		for _, a := range accounts.All() {
			ids = append(ids, a.ID())
		}
		if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
			t.Errorf("expected [b a c], got %v", ids)
		}
	})

	t.Run("rejects an unknown flavor", func(t *testing.T) {
		configs := testAccountConfigs("acct")
		configs[0].Flavor = "carrier-pigeon"
		if _, err := openAccounts(context.Background(), configs, testDeps()); err == nil {
			t.Fatal("expected an error for an unknown flavor")
		}
	})
}

func TestSyncAccounts(t *testing.T) {
	accounts, err := openAccounts(context.Background(), testAccountConfigs("one", "two"), testDeps())
	if err != nil {
		t.Fatalf("openAccounts() failed: %v", err)
	}
	shutdownAll(t, accounts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	syncAccounts(ctx, accounts)

	for _, a := range accounts.All() {
		if got := len(a.Folders()); got != 2 {
			t.Errorf("account %s: expected 2 folders, got %d", a.ID(), got)
		}
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := &config.Config{Store: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "state.db")}

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore() failed: %v", err)
	}
	defer func() { _ = st.Close() }()

	if _, err := st.LoadAccountState(context.Background(), "acct"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for a fresh store, got %v", err)
	}
}
