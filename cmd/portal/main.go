package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/portal/internal/config"
	"github.com/dukerupert/portal/internal/email"
	"github.com/dukerupert/portal/internal/logging"
	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/portal/database"
	"github.com/dukerupert/portal/internal/portal/server"
	portalstripe "github.com/dukerupert/portal/internal/portal/stripe"
	"github.com/dukerupert/portal/internal/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)

	srv, err := server.New(db, server.Config{
		SecretKey: cfg.SecretKey,
		Stripe: portalstripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.BaseURL + "/account?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     cfg.BaseURL + "/plans",
		},
		EmailClient:   emailClient,
		SupportEmail:  cfg.SupportEmail,
		SweepSchedule: cfg.SweepSchedule,
		OTPExpiry:     cfg.OTPExpiry,
		OTPCooldown:   cfg.OTPCooldown,
		RevealWindow:  cfg.RevealWindow,
		WSOrigins:     cfg.WSOrigins,
		SecureCookie:  cfg.SecureCookie,
		Backup:        cfg.Backup(),
		Push: push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		},
	}, logger)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	metrics.RegisterPortGauge(srv.PortCounts)
	metrics.RegisterDBStats(db)

	if err := srv.Start(); err != nil {
		slog.Error("failed to start schedulers", "error", err)
		os.Exit(1)
	}

	// No WriteTimeout: the admin feed holds websocket connections open.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("portal starting", "addr", cfg.Addr(), "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	srv.Shutdown()
}
