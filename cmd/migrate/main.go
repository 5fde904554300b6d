package main

import (
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/suoke-life/auth-service/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	log := logger.Setup(os.Getenv("APP_ENV"), "auth-service-migrate")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Error("database_url_missing")
		os.Exit(1)
	}

	sourceURL := os.Getenv("MIGRATIONS_PATH")
	if sourceURL == "" {
		sourceURL = "file://migrations"
	}

	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		log.Error("migrate_init_failed", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		log.Error("unknown_direction", "direction", direction)
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error("migration_failed", "direction", direction, "error", err)
		os.Exit(1)
	}

	log.Info("migration_complete", "direction", direction)
}
