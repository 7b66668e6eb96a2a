// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL is read from the environment or a .env file.
// MIGRATIONS_DIR overrides the default "migrations" directory.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowd/internal/logging"
)

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding goose SQL migrations")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir path] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	flag.Parse()

	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(ctx, command, db, *dir, flag.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
