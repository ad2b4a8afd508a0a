// Package sqlitestore implements the license store on a local SQLite file.
// It is meant for development and single-node installs.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store implements license.Store using SQLite. The pool holds a single
// connection, so every transaction is serialized.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var _ license.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("license database initialized")
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS licenses (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			plan_type TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			notes_limit INTEGER NOT NULL CHECK (notes_limit >= 0),
			notes_used INTEGER NOT NULL DEFAULT 0 CHECK (notes_used >= 0),
			external_customer_id TEXT NOT NULL DEFAULT '',
			external_subscription_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_subscription
			ON licenses(external_subscription_id) WHERE external_subscription_id <> '';
		CREATE INDEX IF NOT EXISTS idx_licenses_active_expiry ON licenses(active, expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Health returns connection statistics.
func (s *Store) Health() map[string]any {
	stats := s.db.Stats()
	return map[string]any{
		"driver":         "sqlite",
		"path":           s.path,
		"open_conns":     stats.OpenConnections,
		"in_use":         stats.InUse,
		"wait_count":     stats.WaitCount,
		"wait_duration":  stats.WaitDuration.String(),
		"max_open_conns": stats.MaxOpenConnections,
	}
}

const selectLicense = `
	SELECT id, user_id, email, plan_type, active, notes_limit, notes_used,
		external_customer_id, external_subscription_id, created_at, expires_at, updated_at
	FROM licenses
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var lic models.License
	var id, plan string
	var created, expires, updated int64
	err := row.Scan(
		&id, &lic.UserID, &lic.Email, &plan, &lic.Active, &lic.NotesLimit, &lic.NotesUsed,
		&lic.ExternalCustomerID, &lic.ExternalSubscriptionID, &created, &expires, &updated,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse license id %q: %w", id, err)
	}
	lic.ID = parsed
	lic.PlanType = models.PlanType(plan)
	lic.CreatedAt = fromNanos(created)
	lic.ExpiresAt = fromNanos(expires)
	lic.UpdatedAt = fromNanos(updated)
	return &lic, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// UpsertLicense inserts a license or restarts the cycle of an existing one.
func (s *Store) UpsertLicense(ctx context.Context, grant models.LicenseGrant, now time.Time, cycle time.Duration) (*models.License, error) {
	var lic *models.License
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO licenses (id, user_id, email, plan_type, active, notes_limit, notes_used,
				external_customer_id, external_subscription_id, created_at, expires_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				plan_type = excluded.plan_type,
				active = 1,
				notes_limit = excluded.notes_limit,
				notes_used = 0,
				external_customer_id = excluded.external_customer_id,
				external_subscription_id = excluded.external_subscription_id,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
		`,
			uuid.New().String(), grant.UserID, grant.Email, string(grant.PlanType), grant.NotesLimit,
			grant.ExternalCustomerID, grant.ExternalSubscriptionID,
			toNanos(now), toNanos(now.Add(cycle)), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("upsert license: %w", err)
		}

		lic, err = scanLicense(tx.QueryRowContext(ctx, selectLicense+` WHERE user_id = ?`, grant.UserID))
		if err != nil {
			return fmt.Errorf("read upserted license: %w", err)
		}
		return nil
	})
	return lic, err
}

// SetActiveBySubscription sets the active flag for the license bound to
// subscriptionID.
func (s *Store) SetActiveBySubscription(ctx context.Context, subscriptionID string, active bool, now time.Time) (*models.License, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("empty subscription: %w", license.ErrNotFound)
	}

	var lic *models.License
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE licenses SET active = ?, updated_at = ?
			WHERE external_subscription_id = ?
		`, active, toNanos(now), subscriptionID)
		if err != nil {
			return fmt.Errorf("set license active: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("subscription %s: %w", subscriptionID, license.ErrNotFound)
		}

		lic, err = scanLicense(tx.QueryRowContext(ctx, selectLicense+` WHERE external_subscription_id = ?`, subscriptionID))
		if err != nil {
			return fmt.Errorf("read license: %w", err)
		}
		return nil
	})
	return lic, err
}

// GetLicenseByUserID returns the license for userID.
func (s *Store) GetLicenseByUserID(ctx context.Context, userID string) (*models.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx, selectLicense+` WHERE user_id = ?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// ConsumeNote increments notes_used when the license is active and under
// quota. The single-connection pool serializes concurrent callers.
func (s *Store) ConsumeNote(ctx context.Context, userID string) (*models.License, error) {
	var lic *models.License
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanLicense(tx.QueryRowContext(ctx, selectLicense+` WHERE user_id = ?`, userID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
			}
			return fmt.Errorf("read license: %w", err)
		}
		if !current.Active {
			return license.ErrInactive
		}
		if !current.HasQuota() {
			return license.ErrQuotaExhausted
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET notes_used = notes_used + 1 WHERE user_id = ?`, userID,
		); err != nil {
			return fmt.Errorf("increment notes used: %w", err)
		}
		current.NotesUsed++
		lic = current
		return nil
	})
	return lic, err
}

// ReconcileCycles resets usage on every active license whose cycle ended
// before now, one row at a time.
func (s *Store) ReconcileCycles(ctx context.Context, now time.Time, cycle time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM licenses
		WHERE active = 1 AND expires_at < ?
		ORDER BY user_id
	`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("list elapsed licenses: %w", err)
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan elapsed license: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate elapsed licenses: %w", err)
	}

	var errs []error
	count := 0
	for _, userID := range userIDs {
		result, err := s.db.ExecContext(ctx, `
			UPDATE licenses
			SET notes_used = 0, expires_at = ?, updated_at = ?
			WHERE user_id = ? AND active = 1 AND expires_at < ?
		`, toNanos(now.Add(cycle)), toNanos(now), userID, toNanos(now))
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to reset billing cycle")
			errs = append(errs, fmt.Errorf("reset %s: %w", userID, err))
			continue
		}
		affected, err := result.RowsAffected()
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", userID, err))
			continue
		}
		count += int(affected)
	}
	return count, errors.Join(errs...)
}

// UsageStats aggregates active licenses by plan.
func (s *Store) UsageStats(ctx context.Context) (*models.UsageStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_type, COUNT(*), COALESCE(SUM(notes_used), 0), COALESCE(SUM(notes_limit), 0)
		FROM licenses
		WHERE active = 1
		GROUP BY plan_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	defer rows.Close()

	stats := models.NewUsageStats()
	for rows.Next() {
		var plan string
		var users, used, limit int
		if err := rows.Scan(&plan, &users, &used, &limit); err != nil {
			return nil, fmt.Errorf("scan usage stats: %w", err)
		}
		stats.AddN(models.PlanType(plan), users, used, limit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stats: %w", err)
	}
	return stats, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
