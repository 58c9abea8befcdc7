package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vmail/accountsync/internal/account"
	"github.com/vdavid/vmail/accountsync/internal/api"
	"github.com/vdavid/vmail/accountsync/internal/auth"
	"github.com/vdavid/vmail/accountsync/internal/config"
	"github.com/vdavid/vmail/accountsync/internal/crypto"
	"github.com/vdavid/vmail/accountsync/internal/db"
	"github.com/vdavid/vmail/accountsync/internal/imap"
	"github.com/vdavid/vmail/accountsync/internal/observe"
	"github.com/vdavid/vmail/accountsync/internal/store"
	ws "github.com/vdavid/vmail/accountsync/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}
	accountConfigs, err := config.LoadAccounts(cfg.AccountsFile, encryptor, cfg.MaxConns)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()
	log.Printf("Successfully opened %s store", cfg.Store)

	hub := ws.NewHub(10, logger)
	deps := accountDeps{
		dialer:   imap.NewClientDialer(),
		store:    st,
		notifier: ws.NewNotifier(hub),
		sink:     observe.NewZerologSinkFromLogger(logger.With().Str("component", "account").Logger()),
	}
	accounts, err := openAccounts(ctx, accountConfigs, deps)
	if err != nil {
		log.Fatalf("Failed to open accounts: %v", err)
	}
	log.Printf("Loaded %d account(s)", len(accounts.All()))
	go syncAccounts(ctx, accounts)

	wsHandler := api.NewWebSocketHandler(accounts, hub, cfg.APIToken)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(cfg, accounts, wsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("V-Mail account sync server starting on %s (environment: %s)", server.Addr, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, server, wsHandler, hub, accounts)
}

// NewServer creates the HTTP handler of the account sync API.
func NewServer(cfg *config.Config, accounts *api.AccountSet, wsHandler *api.WebSocketHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)
	api.NewAccountsHandler(accounts).Register(mux, auth.RequireToken(cfg.APIToken))
	// The WebSocket handler checks the token itself since browsers can't set headers on upgrades.
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "V-Mail account sync is running")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	}
}

type accountDeps struct {
	dialer   imap.Dialer
	store    store.Store
	notifier account.Notifier
	sink     observe.Sink
}

// openAccounts restores every configured account concurrently, keeping the configured order.
func openAccounts(ctx context.Context, configs []config.AccountConfig, deps accountDeps) (*api.AccountSet, error) {
	opened := make([]*account.Account, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ac := range configs {
		g.Go(func() error {
			flavor, err := account.FlavorByName(ac.Flavor)
			if err != nil {
				return fmt.Errorf("account %s: %w", ac.ID, err)
			}
			a, err := account.Open(gctx, account.Options{
				ID:          ac.ID,
				Credentials: ac.Credentials,
				Endpoint:    ac.Endpoint,
				MaxConns:    ac.MaxConns,
				Flavor:      flavor,
				Dialer:      deps.dialer,
				Store:       deps.store,
				Notifier:    deps.notifier,
				Sink:        deps.sink,
			})
			if err != nil {
				return err
			}
			opened[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, a := range opened {
			if a != nil {
				_ = a.Shutdown(context.Background())
			}
		}
		return nil, err
	}

	set := api.NewAccountSet()
	for _, a := range opened {
		set.Add(a)
	}
	return set, nil
}

// syncAccounts refreshes the folder list of every account once at startup.
// Failures are logged by the accounts themselves and retried on the next sync.
func syncAccounts(ctx context.Context, accounts *api.AccountSet) {
	var g errgroup.Group
	for _, a := range accounts.All() {
		g.Go(func() error {
			if err := a.SyncFolderList(ctx); err != nil {
				log.Printf("Initial folder sync of %s failed: %v", a.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func shutdown(ctx context.Context, server *http.Server, wsHandler *api.WebSocketHandler, hub *ws.Hub, accounts *api.AccountSet) {
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	hub.CloseAll()
	wsHandler.Close()

	var g errgroup.Group
	for _, a := range accounts.All() {
		g.Go(func() error {
			if err := a.Shutdown(ctx); err != nil {
				log.Printf("Account %s shutdown: %v", a.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Printf("Shutdown complete")
}
