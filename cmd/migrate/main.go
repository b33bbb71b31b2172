// Command migrate runs the embedded database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
package main

import (
	"context"
	"fmt"
	"os"

	"escrow-service/config"
	"escrow-service/internal/util"
	"escrow-service/migrations"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	cfg := config.Load()
	logger := util.GetLogger()
	defer util.SyncLogger()

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal("Failed to set goose dialect", zap.Error(err))
	}

	command := os.Args[1]
	if err := goose.RunContext(context.Background(), command, db.DB, ".", os.Args[2:]...); err != nil {
		logger.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
	}
}
