// Package license implements subscription licensing: the store contract,
// lifecycle operations, the access gate and the billing-cycle reconciler.
package license

import (
	"context"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/models"
)

// Store is the persistence contract for licenses. Implementations must be
// safe for concurrent use and must make ConsumeNote atomic per user.
type Store interface {
	// UpsertLicense inserts a license for grant.UserID or, if one exists,
	// overwrites plan, limit, external ids, sets active, resets usage and
	// starts a new cycle ending at now+cycle.
	UpsertLicense(ctx context.Context, grant models.LicenseGrant, now time.Time, cycle time.Duration) (*models.License, error)

	// SetActiveBySubscription flips the active flag of the license with the
	// given external subscription id and stamps updated_at with now.
	// Returns ErrNotFound if none matches.
	SetActiveBySubscription(ctx context.Context, subscriptionID string, active bool, now time.Time) (*models.License, error)

	// GetLicenseByUserID returns ErrNotFound if the user has no license.
	GetLicenseByUserID(ctx context.Context, userID string) (*models.License, error)

	// ConsumeNote checks the license is active and under quota and
	// increments notes_used in one indivisible step. Returns ErrNotFound,
	// ErrInactive or ErrQuotaExhausted on denial.
	ConsumeNote(ctx context.Context, userID string) (*models.License, error)

	// ReconcileCycles resets usage and sets expires_at=now+cycle for every
	// active license with expires_at < now. Each record is handled on its
	// own; failures are returned joined after the sweep finishes.
	ReconcileCycles(ctx context.Context, now time.Time, cycle time.Duration) (int, error)

	// UsageStats returns a rollup of active licenses grouped by plan.
	UsageStats(ctx context.Context) (*models.UsageStats, error)
}
