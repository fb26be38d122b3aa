// Command promote grants superuser to an existing account.
//
// Usage:
//
//	go run ./cmd/promote admin@example.com
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: promote <email>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	svc := auth.NewService(auth.NewPostgresStore(db), nil, nil, logging.New("info", "text"))
	if err := svc.Promote(context.Background(), os.Args[1]); err != nil {
		log.Fatalf("Promote %s failed: %v", os.Args[1], err)
	}
	fmt.Printf("%s is now a superuser\n", os.Args[1])
}
