// Command migrate applies or inspects the embedded schema migrations.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down-to 3
//	go run ./cmd/migrate status
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: migrate <command> [version]\ncommands: %s\n", strings.Join(migrations.Commands, ", "))
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	if err := migrations.Run(ctx, db, command, os.Args[2:], os.Stdout); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		stop()
		_ = db.Close()
		os.Exit(1)
	}
}
