// cmd/migrate/main.go
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/unclebandit/mailstorm-backend/internal/db"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		log.Fatal("missing required env var: POSTGRES_URL")
	}

	if err := db.ApplyMigrations(dsn); err != nil {
		log.Fatal(err)
	}
	log.Println("database migrations completed successfully")
}
