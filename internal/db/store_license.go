package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var _ license.Store = (*DB)(nil)

const licenseColumns = `id, user_id, email, plan_type, active, notes_limit, notes_used,
	external_customer_id, external_subscription_id, created_at, expires_at, updated_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var lic models.License
	var plan string
	err := row.Scan(
		&lic.ID, &lic.UserID, &lic.Email, &plan, &lic.Active, &lic.NotesLimit, &lic.NotesUsed,
		&lic.ExternalCustomerID, &lic.ExternalSubscriptionID, &lic.CreatedAt, &lic.ExpiresAt, &lic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lic.PlanType = models.PlanType(plan)
	lic.CreatedAt = lic.CreatedAt.UTC()
	lic.ExpiresAt = lic.ExpiresAt.UTC()
	lic.UpdatedAt = lic.UpdatedAt.UTC()
	return &lic, nil
}

// UpsertLicense inserts a license or restarts the cycle of an existing one.
// Email and created_at are kept on update.
func (db *DB) UpsertLicense(ctx context.Context, grant models.LicenseGrant, now time.Time, cycle time.Duration) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		INSERT INTO licenses (id, user_id, email, plan_type, active, notes_limit, notes_used,
			external_customer_id, external_subscription_id, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, 0, $6, $7, $8, $9, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			active = TRUE,
			notes_limit = EXCLUDED.notes_limit,
			notes_used = 0,
			external_customer_id = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+licenseColumns,
		uuid.New(), grant.UserID, grant.Email, string(grant.PlanType), grant.NotesLimit,
		grant.ExternalCustomerID, grant.ExternalSubscriptionID, now, now.Add(cycle),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert license: %w", err)
	}
	return lic, nil
}

// SetActiveBySubscription sets the active flag for the license bound to
// subscriptionID.
func (db *DB) SetActiveBySubscription(ctx context.Context, subscriptionID string, active bool, now time.Time) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses SET active = $2, updated_at = $3
		WHERE external_subscription_id = $1 AND external_subscription_id <> ''
		RETURNING `+licenseColumns,
		subscriptionID, active, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, license.ErrNotFound)
		}
		return nil, fmt.Errorf("set license active: %w", err)
	}
	return lic, nil
}

// GetLicenseByUserID returns the license for userID.
func (db *DB) GetLicenseByUserID(ctx context.Context, userID string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE user_id = $1
	`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// ConsumeNote locks the user's row, checks it is active and under quota, and
// increments notes_used in the same transaction.
func (db *DB) ConsumeNote(ctx context.Context, userID string) (*models.License, error) {
	var lic *models.License
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		var active bool
		var used, limit int
		err := tx.QueryRow(ctx, `
			SELECT active, notes_used, notes_limit
			FROM licenses
			WHERE user_id = $1
			FOR UPDATE
		`, userID).Scan(&active, &used, &limit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
			}
			return fmt.Errorf("lock license: %w", err)
		}
		if !active {
			return license.ErrInactive
		}
		if used >= limit {
			return license.ErrQuotaExhausted
		}

		lic, err = scanLicense(tx.QueryRow(ctx, `
			UPDATE licenses SET notes_used = notes_used + 1
			WHERE user_id = $1
			RETURNING `+licenseColumns,
			userID,
		))
		if err != nil {
			return fmt.Errorf("increment notes used: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lic, nil
}

// ReconcileCycles resets usage on every active license whose cycle ended
// before now. Each row is updated on its own; failures are collected and the
// sweep continues.
func (db *DB) ReconcileCycles(ctx context.Context, now time.Time, cycle time.Duration) (int, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT user_id FROM licenses
		WHERE active AND expires_at < $1
		ORDER BY user_id
	`, now)
	if err != nil {
		return 0, fmt.Errorf("list elapsed licenses: %w", err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("scan elapsed licenses: %w", err)
	}

	var errs []error
	count := 0
	for _, userID := range userIDs {
		tag, err := db.Pool.Exec(ctx, `
			UPDATE licenses
			SET notes_used = 0, expires_at = $2, updated_at = $3
			WHERE user_id = $1 AND active AND expires_at < $3
		`, userID, now.Add(cycle), now)
		if err != nil {
			db.logger.Error().Err(err).Str("user_id", userID).Msg("failed to reset billing cycle")
			errs = append(errs, fmt.Errorf("reset %s: %w", userID, err))
			continue
		}
		count += int(tag.RowsAffected())
	}
	return count, errors.Join(errs...)
}

// UsageStats aggregates active licenses by plan.
func (db *DB) UsageStats(ctx context.Context) (*models.UsageStats, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT plan_type, COUNT(*), COALESCE(SUM(notes_used), 0), COALESCE(SUM(notes_limit), 0)
		FROM licenses
		WHERE active
		GROUP BY plan_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	defer rows.Close()

	stats := models.NewUsageStats()
	for rows.Next() {
		var plan string
		var users, used, limit int64
		if err := rows.Scan(&plan, &users, &used, &limit); err != nil {
			return nil, fmt.Errorf("scan usage stats: %w", err)
		}
		stats.AddN(models.PlanType(plan), int(users), int(used), int(limit))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stats: %w", err)
	}
	return stats, nil
}
