package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accountd/internal/auth"
	"accountd/internal/config"
	"accountd/internal/database"
	"accountd/internal/httpapi"
	"accountd/internal/mail"
	"accountd/internal/obs"
	"accountd/internal/users"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	obs.SetupLogger(cfg.Env, cfg.LogLevel)
	obs.Init()

	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	if err := database.Migrate(ctx, db); err != nil {
		slog.Error("migrate", "err", err)
		os.Exit(1)
	}

	signer, err := auth.NewSigner(auth.SignerConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		slog.Error("signer", "err", err)
		os.Exit(1)
	}

	hasher := auth.NewBcryptHasher(cfg.BcryptCost)
	store := auth.NewPGStore(db, hasher, cfg.RefreshTTL)

	var mailer mail.Mailer
	if cfg.SMTPHost != "" {
		mailer, err = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.MailFrom,
			FromName:    cfg.MailFromName,
			FrontendURL: cfg.FrontendURL,
		})
		if err != nil {
			slog.Error("mailer", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("SMTP not configured, emails will be logged instead of sent")
		mailer = mail.LogMailer{}
	}

	authSvc := auth.NewService(store, store, hasher, signer)
	userSvc := users.NewService(store, hasher, mailer)

	api := httpapi.New(authSvc, userSvc, signer, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		Version:        version,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("starting accountd", "version", version, "addr", srv.Addr, "env", cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	slog.Info("stopped")
}
