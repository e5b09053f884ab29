// Command migrate applies the embedded Postgres schema.
//
//	migrate [up|down]
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/postgres"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

func main() {
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(logger.Config{
		Env:     logger.Env(cfg.Logging.Env),
		Service: cfg.Logging.Service + "-migrate",
		Version: cfg.Logging.Version,
		Backend: logger.Backend(cfg.Logging.Backend),
	})

	if err := postgres.Migrate(cfg.Postgres.DSN, direction); err != nil {
		slog.Error("migrate failed", "direction", direction, "err", err)
		os.Exit(1)
	}
	slog.Info("migrate done", "direction", direction)
}
