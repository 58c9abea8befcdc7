package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/auth"
	ws "github.com/vdavid/vmail/accountsync/internal/websocket"
)

const catchUpTimeout = time.Minute

// WebSocketHandler handles the /api/v1/ws endpoint for real-time account notifications.
// While an account has at least one subscriber, an IDLE watcher runs on its inbox.
type WebSocketHandler struct {
	accounts    *AccountSet
	hub         *ws.Hub
	apiToken    string
	mu          sync.Mutex
	idleCancels map[string]context.CancelFunc
	idleDone    sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(accounts *AccountSet, hub *ws.Hub, apiToken string) *WebSocketHandler {
	return &WebSocketHandler{
		accounts:    accounts,
		hub:         hub,
		apiToken:    apiToken,
		idleCancels: make(map[string]context.CancelFunc),
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket subscribed to ?account=.
// Authentication is handled via query parameter (?token=...) since browsers cannot set
// headers on WebSocket connections. The Authorization header is accepted as a fallback.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if !auth.ValidToken(h.apiToken, token) {
		log.Debug().Msg("WebSocketHandler: missing or invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	a, ok := h.accounts.Get(r.URL.Query().Get("account"))
	if !ok {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	accountID := a.ID()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("WebSocketHandler: failed to upgrade connection")
		return
	}

	// The first subscriber catches up on whatever changed while nobody was listening.
	isFirstConnection := h.hub.ActiveConnections(accountID) == 0

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}

	h.ensureIdleWatcher(a)

	if isFirstConnection {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
			defer cancel()
			if err := a.SyncFolderList(ctx); err != nil {
				log.Warn().Err(err).Str("account", accountID).Msg("WebSocketHandler: catch-up folder sync failed")
			}
		}()
	}

	go h.readLoop(accountID, client)
}

// ensureIdleWatcher starts the account's inbox watcher if one is not already running.
func (h *WebSocketHandler) ensureIdleWatcher(a *account.Account) {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountID := a.ID()
	if _, exists := h.idleCancels[accountID]; exists {
		return
	}

	idleCtx, cancel := context.WithCancel(context.Background())
	h.idleCancels[accountID] = cancel
	h.idleDone.Add(1)

	go func() {
		defer h.idleDone.Done()
		err := a.WatchInbox(idleCtx)
		log.Debug().Err(err).Str("account", accountID).Msg("WebSocketHandler: inbox watcher stopped")

		h.mu.Lock()
		// Only forget our own registration; a newer watcher may have replaced it.
		if idleCtx.Err() == nil {
			delete(h.idleCancels, accountID)
		}
		h.mu.Unlock()
		cancel()
	}()
}

// readLoop reads until the connection is closed, then unregisters the client and stops
// the inbox watcher when it was the account's last subscriber.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(accountID, client)

	if h.hub.ActiveConnections(accountID) == 0 {
		h.mu.Lock()
		if cancel, exists := h.idleCancels[accountID]; exists {
			cancel()
			delete(h.idleCancels, accountID)
		}
		h.mu.Unlock()
	}
}

// WatchingAccounts returns how many inbox watchers are running.
func (h *WebSocketHandler) WatchingAccounts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.idleCancels)
}

// Close stops every inbox watcher and waits for them to return.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	for id, cancel := range h.idleCancels {
		cancel()
		delete(h.idleCancels, id)
	}
	h.mu.Unlock()
	h.idleDone.Wait()
}
