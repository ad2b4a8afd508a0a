// Package main provides the license store migration tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/db"
	"github.com/MacJediWizard/dentalnotes/internal/sqlitestore"
	"github.com/MacJediWizard/dentalnotes/internal/storage"
	"github.com/rs/zerolog"
)

func main() {
	var (
		dbURL   = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		showVer = flag.Bool("version", false, "Show current schema version (PostgreSQL only)")
		list    = flag.Bool("list", false, "List all migrations")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *list {
		listMigrations(logger)
		return
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	kind, err := storage.Kind(url)
	if err != nil {
		logger.Fatal().Err(err).Msg("unsupported database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch kind {
	case storage.KindMemory:
		logger.Info().Msg("memory store has no schema, nothing to migrate")
	case storage.KindSQLite:
		migrateSQLite(url, *showVer, logger)
	default:
		migratePostgres(ctx, url, *showVer, logger)
	}
}

func migrateSQLite(url string, showVer bool, logger zerolog.Logger) {
	if showVer {
		logger.Fatal().Msg("-version is only supported for PostgreSQL")
	}
	path := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(url), "sqlite:"), "//")

	// Opening the store creates the schema.
	store, err := sqlitestore.Open(path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	defer store.Close()
	logger.Info().Str("path", path).Msg("sqlite schema is up to date")
}

func migratePostgres(ctx context.Context, url string, showVer bool, logger zerolog.Logger) {
	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if showVer {
		showVersion(ctx, database, logger)
		return
	}

	logger.Info().Msg("running database migrations")
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not get current version")
	} else {
		logger.Info().Int("version", version).Msg("migrations complete")
	}
}

func showVersion(ctx context.Context, database *db.DB, logger zerolog.Logger) {
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to get schema version")
	}
	fmt.Printf("Current schema version: %d\n", version)
}

func listMigrations(logger zerolog.Logger) {
	migrations, err := db.GetMigrations()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list migrations")
	}

	if len(migrations) == 0 {
		fmt.Println("No migrations found")
		return
	}

	fmt.Println("Available migrations:")
	for _, m := range migrations {
		fmt.Printf("  %03d: %s\n", m.Version, m.Name)
	}
}
