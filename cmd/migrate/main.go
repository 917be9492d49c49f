package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"

	"jetx/internal/config"
	"jetx/internal/database"
)

var versionPattern = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "MIGRATE"})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			logger.Fatal("Usage: migrate create <migration_name>")
		}
		if err := createMigration(cfg.MigrationsPath, os.Args[2], logger); err != nil {
			logger.Fatal("Create failed", "err", err)
		}
		return
	}

	db, err := sql.Open("pgx", database.ConnString(cfg))
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer db.Close()

	switch command {
	case "up":
		logger.Info("Running migrations...")
		if err := database.RunMigrations(db); err != nil {
			logger.Fatal("Migration failed", "err", err)
		}
		logger.Info("Migrations completed successfully")

	case "down":
		logger.Info("Rolling back last migration...")
		if err := database.RollbackMigration(db); err != nil {
			logger.Fatal("Rollback failed", "err", err)
		}
		logger.Info("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db)
		if err != nil {
			logger.Fatal("Failed to get version", "err", err)
		}
		if dirty {
			logger.Warn("Current version is DIRTY, needs manual intervention", "version", version)
		} else {
			logger.Info("Current version", "version", version)
		}

	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

// createMigration writes the next numbered up/down pair into dir. New files
// are embedded into the binary on the next build.
func createMigration(dir, name string, logger *log.Logger) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	next := 1
	for _, file := range files {
		m := versionPattern.FindStringSubmatch(file.Name())
		if m == nil {
			continue
		}
		if v, _ := strconv.Atoi(m[1]); v >= next {
			next = v + 1
		}
	}

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", next, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", next, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return fmt.Errorf("create up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return fmt.Errorf("create down migration: %w", err)
	}

	logger.Info("Created migration files", "up", upFile, "down", downFile)
	return nil
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DB_HOST                 Database host (default: localhost)")
	fmt.Println("  DB_PORT                 Database port (default: 5432)")
	fmt.Println("  DB_DATABASE             Database name (default: jetx)")
	fmt.Println("  DB_USERNAME             Database user (default: postgres)")
	fmt.Println("  DB_PASSWORD             Database password (default: postgres)")
	fmt.Println("  DB_SCHEMA               Search path schema (default: public)")
	fmt.Println("  MIGRATIONS_PATH         Where create writes files (default: internal/database/migrations)")
}
