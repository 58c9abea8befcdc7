package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
)

// newHubServer serves a test endpoint that subscribes every connection to the account in ?account=.
func newHubServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accountID := r.URL.Query().Get("account")
		client := hub.Register(accountID, conn)
		if client == nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister(accountID, client)
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return "ws" + server.URL[4:]
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_SendReachesOnlyTheAccountsSubscribers(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	url := newHubServer(t, hub)

	first := dial(t, url+"?account=a")
	second := dial(t, url+"?account=a")
	other := dial(t, url+"?account=b")
	require.Eventually(t, func() bool {
		return hub.ActiveConnections("a") == 2 && hub.ActiveConnections("b") == 1
	}, 2*time.Second, 5*time.Millisecond)

	notifier := NewNotifier(hub)
	notifier.FolderAdded("a", models.FolderMeta{ID: "a/0", Path: "INBOX", Type: models.FolderTypeInbox})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeFolderAdded, msg.Type)
		assert.Equal(t, "a", msg.AccountID)
		require.NotNil(t, msg.Folder)
		assert.Equal(t, "a/0", msg.Folder.ID)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "account b must not receive account a's notifications")
}

func TestNotifier_MessageTypes(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	url := newHubServer(t, hub)
	conn := dial(t, url+"?account=acct")
	require.Eventually(t, func() bool { return hub.ActiveConnections("acct") == 1 }, 2*time.Second, 5*time.Millisecond)

	notifier := NewNotifier(hub)
	folder := models.FolderMeta{ID: "acct/1", Path: "Work"}

	notifier.FolderRemoved("acct", folder)
	assert.Equal(t, TypeFolderRemoved, readMessage(t, conn).Type)

	notifier.FolderChanged("acct", folder)
	assert.Equal(t, TypeFolderChanged, readMessage(t, conn).Type)

	notifier.AccountProblem("acct", imap.KindBadUserOrPass)
	msg := readMessage(t, conn)
	assert.Equal(t, TypeAccountProblem, msg.Type)
	assert.Equal(t, imap.KindBadUserOrPass, msg.Problem)
	assert.Nil(t, msg.Folder)
}

func TestHub_EnforcesPerAccountLimit(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	url := newHubServer(t, hub)

	dial(t, url+"?account=a")
	require.Eventually(t, func() bool { return hub.ActiveConnections("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	rejected := dial(t, url+"?account=a")
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := rejected.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, hub.ActiveConnections("a"))
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	url := newHubServer(t, hub)

	conn := dial(t, url+"?account=a")
	require.Eventually(t, func() bool { return hub.ActiveConnections("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ActiveConnections("a") == 0 }, 2*time.Second, 5*time.Millisecond)

	hub.Send("a", []byte(`{}`))
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(10, zerolog.Nop())
	url := newHubServer(t, hub)

	conn := dial(t, url+"?account=a")
	require.Eventually(t, func() bool { return hub.ActiveConnections("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.CloseAll()
	assert.Equal(t, 0, hub.ActiveConnections("a"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
