package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// The memory backend ships with one user.
const (
	testIMAPUsername = "username"
	testIMAPPassword = "password"
)

// TestIMAPServer is a real go-imap server over loopback, backed by memory.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
}

// StartIMAPServer starts a plaintext IMAP server on a random loopback port.
func StartIMAPServer() (*TestIMAPServer, error) {
	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{Server: s, Address: listener.Addr().String(), Backend: be}, nil
}

// NewTestIMAPServer starts a server for the test. Callers close it.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()
	s, err := StartIMAPServer()
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	return s
}

// Close shuts down the server.
func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Username returns the login of the backend's only user.
func (s *TestIMAPServer) Username() string {
	return testIMAPUsername
}

// Password returns the password of the backend's only user.
func (s *TestIMAPServer) Password() string {
	return testIMAPPassword
}

// Dial opens a logged-in client connection.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	c, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}
	if err := c.Login(testIMAPUsername, testIMAPPassword); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return c, nil
}

// Connect is Dial for tests. The returned func logs out.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()
	c, err := s.Dial()
	if err != nil {
		t.Fatal(err)
	}
	return c, func() { _ = c.Logout() }
}

// CreateMailboxes creates the named mailboxes, skipping ones that exist. INBOX is always present.
func (s *TestIMAPServer) CreateMailboxes(names ...string) error {
	c, err := s.Dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	for _, name := range names {
		if _, err := c.Select(name, true); err == nil {
			continue
		}
		if err := c.Create(name); err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create mailbox %s: %w", name, err)
		}
	}
	return nil
}

// EnsureINBOX fails the test when INBOX cannot be selected or created.
func (s *TestIMAPServer) EnsureINBOX(t *testing.T) {
	t.Helper()
	if err := s.CreateMailboxes("INBOX"); err != nil {
		t.Fatalf("Failed to ensure INBOX: %v", err)
	}
}

// AppendMessage appends a small plain text message marked \Seen and returns its UID.
func (s *TestIMAPServer) AppendMessage(mailbox, messageID, subject, from, to string, sentAt time.Time) (uint32, error) {
	c, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Logout() }()

	body := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)
	if err := c.Append(mailbox, []string{imap.SeenFlag}, time.Now(), strings.NewReader(body)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := c.Select(mailbox, true); err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found after append", messageID)
	}
	return uids[0], nil
}

// AddMessage is AppendMessage for tests.
func (s *TestIMAPServer) AddMessage(t *testing.T, mailbox, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()
	uid, err := s.AppendMessage(mailbox, messageID, subject, from, to, sentAt)
	if err != nil {
		t.Fatal(err)
	}
	return uid
}
