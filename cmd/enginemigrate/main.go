// Command enginemigrate brings a database up to the schema
// internal/data/db expects: every domain table via AutoMigrate, plus the
// partial unique indexes and covering indexes EnsureTransitionIndexes adds
// by raw SQL because gorm struct tags cannot express them.
package main

import (
	"fmt"
	"os"

	"github.com/ardenhq/flowengine/internal/data/db"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}

	svc, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("connect to postgres", "error", err)
	}

	if err := svc.AutoMigrateAll(); err != nil {
		log.Fatal("migrate", "error", err)
	}

	log.Info("migration complete")
}
