package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/auth"
	"github.com/pliu/npchat/internal/call"
	"github.com/pliu/npchat/internal/config"
	"github.com/pliu/npchat/internal/contact"
	"github.com/pliu/npchat/internal/conversation"
	"github.com/pliu/npchat/internal/email"
	"github.com/pliu/npchat/internal/facade"
	"github.com/pliu/npchat/internal/handlers"
	"github.com/pliu/npchat/internal/idgen"
	"github.com/pliu/npchat/internal/logger"
	"github.com/pliu/npchat/internal/presence"
	"github.com/pliu/npchat/internal/store/sqlstore"
	"github.com/pliu/npchat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.Init(logger.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, sqlstore.Options{
		MaxConns: cfg.DatabaseMaxConns,
		Timeout:  cfg.DatabaseTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ids := idgen.New(cfg.SnowflakeNode)
	sender := email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, log)

	authSvc := auth.NewService(store, auth.BcryptHasher{}, sender, log, auth.Options{
		SessionTTL:      cfg.SessionTTL,
		VerificationTTL: cfg.VerificationTTL,
	})
	chats := conversation.NewService(store, log)
	contacts := contact.NewService(store, log)
	pres := presence.NewService(store, log, cfg.ListenerTimeout)

	hub := ws.NewHub(chats, log, cfg.ListenerTimeout)
	calls := call.NewService(hub, ids, log, call.Options{
		Retention:     cfg.CallRetention,
		SweepInterval: cfg.CallSweepInterval,
		ValidateSDP:   cfg.CallValidateSDP,
	})
	go hub.Run(ctx)
	go calls.Run(ctx)

	authorizer := facade.NewAuthorizer(facade.Services{
		Auth:     authSvc,
		Chats:    chats,
		Contacts: contacts,
		Presence: pres,
		Hub:      hub,
		Calls:    calls,
		Logger:   log,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:          authorizer,
		Signer:        auth.NewCookieSigner(cfg.CookieSecret),
		SessionTTL:    cfg.SessionTTL,
		NewListenerID: ids.ListenerID,
		SendBuffer:    cfg.ListenerBuffer,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr), zap.String("driver", cfg.DatabaseDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
		return err
	}
	return nil
}
