package main

import (
	"flag"
	"log"

	"github.com/noah-isme/clinic-auth-api/pkg/config"
	"github.com/noah-isme/clinic-auth-api/pkg/database"
	"github.com/noah-isme/clinic-auth-api/pkg/logger"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := database.Migrate(cfg.Database.URL(), *direction); err != nil {
		logr.Sugar().Fatalw("migration failed", "direction", *direction, "error", err)
	}
	logr.Sugar().Infow("migration complete", "direction", *direction)
}
