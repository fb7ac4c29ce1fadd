package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helixops/connectd/internal/config"
	"github.com/helixops/connectd/internal/connector"
	"github.com/helixops/connectd/internal/cookie"
	"github.com/helixops/connectd/internal/crypto"
	"github.com/helixops/connectd/internal/githubauth"
	"github.com/helixops/connectd/internal/log"
	"github.com/helixops/connectd/internal/server"
	"github.com/helixops/connectd/internal/session"
	"github.com/helixops/connectd/internal/storage"
)

// Connectd is the assembled account-linking service
type Connectd struct {
	config     config.Config
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager
}

// NewConnectd builds the application with all dependencies wired
func NewConnectd(ctx context.Context, cfg config.Config) (*Connectd, error) {
	log.LogInfoWithFields("connectd", "Building account linking service", map[string]any{
		"baseURL": cfg.Server.BaseURL,
		"storage": string(cfg.Storage.Kind),
	})

	if _, err := url.Parse(cfg.Server.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	cookie.SetSessionName(cfg.Session.CookieName)

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	github := githubauth.NewClient(cfg.GitHub)
	sessions := session.NewManager(store, cfg.Platform.TokenURL, cfg.Platform.AuthDisabled)
	platform := connector.NewClient(cfg.Platform.AccountsURL)

	var signer *crypto.TokenSigner
	if cfg.StateSigningKey != "" {
		s := crypto.NewTokenSigner([]byte(cfg.StateSigningKey), 15*time.Minute)
		signer = &s
		log.LogInfoWithFields("connectd", "State signing enabled", nil)
	}

	handlers := server.NewConnectionHandlers(&cfg, github, sessions, platform, signer)
	mux := buildHTTPHandler(handlers)

	cleanup := storage.NewCleanupManager(store, cfg.Session.CleanupInterval.Std())

	return &Connectd{
		config:     cfg,
		httpServer: server.NewHTTPServer(mux, cfg.Server.Addr),
		cleanup:    cleanup,
	}, nil
}

// Run starts the service and blocks until shutdown
func (c *Connectd) Run() error {
	log.LogInfoWithFields("connectd", "Starting account linking service", map[string]any{
		"addr": c.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.cleanup.Start(ctx)
	defer c.cleanup.Stop()

	errChan := make(chan error, 1)
	go func() {
		if err := c.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("connectd", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("connectd", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	case <-ctx.Done():
		shutdownReason = "context cancelled"
	}

	log.LogInfoWithFields("connectd", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := c.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("connectd", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("connectd", "Shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// setupStorage creates the session store backend from configuration
func setupStorage(ctx context.Context, cfg config.Config) (storage.SessionStore, error) {
	if cfg.Storage.Kind == config.StorageFirestore {
		log.LogInfoWithFields("storage", "Using Firestore session store", map[string]any{
			"project":    cfg.Storage.GCPProject,
			"database":   cfg.Storage.Database,
			"collection": cfg.Storage.Collection,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store, err := storage.NewFirestoreStore(ctx, cfg.Storage.GCPProject, cfg.Storage.Database, cfg.Storage.Collection, encryptor)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore store: %w", err)
		}
		return store, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory session store", nil)
	return storage.NewMemoryStore(), nil
}

// buildHTTPHandler registers all routes with shared middleware
func buildHTTPHandler(handlers *server.ConnectionHandlers) http.Handler {
	mux := http.NewServeMux()

	oauthLogger := server.NewLoggerMiddleware("oauth")
	oauthRecover := server.NewRecoverMiddleware("oauth")
	oauthMiddleware := []server.MiddlewareFunc{
		oauthLogger,
		oauthRecover,
	}

	mux.Handle("/health", server.NewHealthHandler())
	mux.Handle("/oauth/connect", server.ChainMiddleware(http.HandlerFunc(handlers.ConnectHandler), oauthMiddleware...))
	mux.Handle(server.CallbackPath, server.ChainMiddleware(http.HandlerFunc(handlers.CallbackHandler), oauthMiddleware...))
	mux.Handle("/oauth/disconnect", server.ChainMiddleware(http.HandlerFunc(handlers.DisconnectHandler), oauthMiddleware...))

	return mux
}
