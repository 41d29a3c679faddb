// Command migrate applies the embedded database migrations and exits.
// The API server migrates on startup as well; this command exists for
// deploy pipelines that migrate before rolling instances.
package main

import (
	"context"
	"log/slog"
	"os"

	"accountd/internal/config"
	"accountd/internal/database"
	"accountd/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	obs.SetupLogger(cfg.Env, cfg.LogLevel)

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		slog.Error("migrate", "err", err)
		os.Exit(1)
	}
	slog.Info("migrations applied")
}
