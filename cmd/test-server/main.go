// Command test-server runs the account sync API against throwaway Postgres and IMAP servers, for
// end-to-end tests and local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/api"
	"github.com/vdavid/vmail/accountsync/internal/auth"
	"github.com/vdavid/vmail/accountsync/internal/db"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/models"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
	"github.com/vdavid/vmail/accountsync/internal/testutil"
	ws "github.com/vdavid/vmail/accountsync/internal/websocket"
)

const (
	testAccountID = "test"
	testAPIToken  = "test-token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresContainer, connStr, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate Postgres container: %v", err)
		}
	}()

	pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to setup database: %v", err)
	}
	st := store.NewPostgresStore(pool)
	defer func() { _ = st.Close() }()

	imapServer, err := testutil.StartIMAPServer()
	if err != nil {
		log.Fatalf("Failed to start IMAP server: %v", err)
	}
	defer imapServer.Close()
	log.Printf("Test IMAP server started on %s", imapServer.Address)

	if err := seedTestData(imapServer); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	hub := ws.NewHub(10, logger)
	a, err := openTestAccount(ctx, imapServer, st, hub, logger)
	if err != nil {
		log.Fatalf("Failed to open test account: %v", err)
	}
	if err := a.SyncFolderList(ctx); err != nil {
		log.Printf("Warning: initial folder sync failed: %v", err)
	}
	if inbox, ok := a.FolderByType(models.FolderTypeInbox); ok {
		if n, err := a.RefreshFolder(ctx, inbox.ID, account.DefaultRefreshLimit); err != nil {
			log.Printf("Warning: failed to refresh INBOX: %v", err)
		} else {
			log.Printf("Fetched %d INBOX header(s)", n)
		}
	}

	accounts := api.NewAccountSet()
	accounts.Add(a)
	wsHandler := api.NewWebSocketHandler(accounts, hub, testAPIToken)

	server := &http.Server{
		Addr:              ":" + getPort(),
		Handler:           newServer(accounts, wsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Printf("V-Mail test server starting on %s", server.Addr)
	log.Printf("Account %q, API token %q", testAccountID, testAPIToken)
	log.Println("Server ready for E2E tests. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err := <-serverErr:
		log.Printf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	hub.CloseAll()
	wsHandler.Close()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Printf("Account shutdown: %v", err)
	}
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "11765"
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	log.Println("Starting test Postgres database...")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vmail_test"),
		postgres.WithUsername("vmail"),
		postgres.WithPassword("vmail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}

	log.Println("Test Postgres database started")
	return postgresContainer, connStr, nil
}

// setupDatabase connects to connStr and applies the migrations.
func setupDatabase(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := testutil.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Successfully connected to database and ran migrations")
	return pool, nil
}

func openTestAccount(ctx context.Context, imapServer *testutil.TestIMAPServer, st store.Store, hub *ws.Hub, logger zerolog.Logger) (*account.Account, error) {
	host, portStr, err := net.SplitHostPort(imapServer.Address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	return account.Open(ctx, account.Options{
		ID:          testAccountID,
		Credentials: models.Credentials{Username: imapServer.Username(), Password: imapServer.Password()},
		Endpoint:    models.Endpoint{Host: host, Port: port, Security: models.SecurityPlain},
		Dialer:      imap.NewClientDialer(),
		Store:       st,
		Notifier:    ws.NewNotifier(hub),
		Sink:        observe.NewZerologSinkFromLogger(logger.With().Str("component", "account").Logger()),
	})
}

func newServer(accounts *api.AccountSet, wsHandler *api.WebSocketHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "V-Mail Test Server is running")
	})
	api.NewAccountsHandler(accounts).Register(mux, auth.RequireToken(testAPIToken))
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)
	return mux
}

// seedTestData creates the special folders and a few INBOX messages.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	if err := imapServer.CreateMailboxes("INBOX", "Sent", "Drafts", "Trash", "Spam", "Archive"); err != nil {
		return err
	}

	messages := []struct {
		messageID string
		subject   string
		from      string
		sentAt    time.Time
	}{
		{"<msg1@test>", "Welcome to V-Mail", "sender@example.com", time.Now().Add(-2 * time.Hour)},
		{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", time.Now().Add(-1 * time.Hour)},
		{"<msg3@test>", "Special Report Q3", "reports@example.com", time.Now()},
	}
	for _, msg := range messages {
		if _, err := imapServer.AppendMessage("INBOX", msg.messageID, msg.subject, msg.from, "test@example.com", msg.sentAt); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}
	return nil
}
