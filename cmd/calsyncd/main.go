// calsyncd is a self-hosted calendar synchronization daemon. It keeps a
// main calendar, client calendars, and personal calendars consistent
// through managed event copies and busy blocks.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncd/calsyncd/internal/auth"
	"github.com/calsyncd/calsyncd/internal/backup"
	"github.com/calsyncd/calsyncd/internal/config"
	"github.com/calsyncd/calsyncd/internal/crypto"
	"github.com/calsyncd/calsyncd/internal/db"
	"github.com/calsyncd/calsyncd/internal/engine"
	"github.com/calsyncd/calsyncd/internal/gcal"
	"github.com/calsyncd/calsyncd/internal/notify"
	"github.com/calsyncd/calsyncd/internal/reconcile"
	"github.com/calsyncd/calsyncd/internal/scheduler"
	"github.com/calsyncd/calsyncd/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	if err := cfg.Validate(ctx); err != nil {
		return err
	}

	// A staged restore archive replaces the database file before the
	// pool opens it.
	restored, err := backup.ApplyPending(cfg.Backup.Dir, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("apply pending restore: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if restored {
		// The restored database's incremental positions describe a
		// different history. Force full re-lists everywhere.
		if err := database.ClearAllSyncTokens(); err != nil {
			return fmt.Errorf("clear sync tokens after restore: %w", err)
		}
		log.Println("[Main] restored database applied, sync tokens cleared")
	}

	cipher, err := crypto.NewFromFile(cfg.Security.EncryptionKeyFile)
	if err != nil {
		return fmt.Errorf("load encryption key: %w", err)
	}

	oidcProvider, err := auth.NewOIDCProvider(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret, cfg.OIDC.RedirectURL)
	if err != nil {
		return fmt.Errorf("initialize OIDC: %w", err)
	}
	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())

	provider := gcal.NewProvider(
		database, cipher,
		cfg.Google.ClientID, cfg.Google.ClientSecret,
		cfg.Server.BaseURL+"/google/callback",
		cfg.Google.APIRPS,
	)

	var smtpTo []string
	for _, addr := range strings.Split(cfg.Alerts.SMTPTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			smtpTo = append(smtpTo, addr)
		}
	}

	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookEnabled,
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.Alerts.EmailEnabled,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         smtpTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		DedupWindow:    time.Duration(cfg.Alerts.DedupMinutes) * time.Minute,
		SubjectPrefix:  "[calsyncd]",
	}
	if err := notify.ValidateConfig(notifyCfg); err != nil {
		return fmt.Errorf("alert configuration: %w", err)
	}
	notifier := notify.New(notifyCfg, database)

	eng := engine.New(database, provider, notifier, engine.Options{
		ManagedPrefix:         cfg.Events.ManagedPrefix,
		ClientBusyTitle:       cfg.Events.ClientBusyTitle,
		PersonalBusyTitle:     cfg.Events.PersonalBusyTitle,
		FailureAlertThreshold: cfg.Sync.FailureAlertThreshold,
	})
	reconciler := reconcile.New(database, eng)
	backups := backup.New(database, eng, cfg.Backup.Dir)

	sched := scheduler.New(database, eng, provider, reconciler, backups, notifier, scheduler.Config{
		SyncInterval:              time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
		ConsistencyInterval:       time.Duration(cfg.Sync.ConsistencyHours) * time.Hour,
		WebhookRenewalInterval:    time.Duration(cfg.Sync.WebhookRenewalHours) * time.Hour,
		TokenRefreshInterval:      time.Duration(cfg.Sync.TokenRefreshMinutes) * time.Minute,
		AlertProcessInterval:      time.Duration(cfg.Sync.AlertProcessMinutes) * time.Minute,
		BackupInterval:            time.Duration(cfg.Backup.IntervalHours) * time.Hour,
		RetentionInterval:         24 * time.Hour,
		RetentionEventDays:        cfg.Retention.EventDays,
		RetentionLogDays:          cfg.Retention.LogDays,
		RetentionDisconnectedDays: cfg.Retention.DisconnectedDays,
		RetentionAlertDays:        cfg.Retention.AlertDays,
		WebhookBaseURL:            cfg.Google.WebhookBaseURL,
	})

	router := gin.New()
	router.Use(
		gin.Recovery(),
		web.RequestLogger(),
		web.SecurityHeaders(),
		web.RateLimiter(cfg.RateLimiting.RPS, cfg.RateLimiting.Burst),
	)

	handlers := web.NewHandlers(cfg, database, oidcProvider, sessionManager, provider, eng, sched, reconciler, backups, notifier)
	web.SetupRoutes(router, handlers, sessionManager)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	sched.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Main] listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		log.Printf("[Main] received %s, shutting down", sig)
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Println("[Main] stopped")
	return nil
}
