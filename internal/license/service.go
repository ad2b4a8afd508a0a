package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/rs/zerolog"
)

// DefaultCycle is the default billing cycle length.
const DefaultCycle = 30 * 24 * time.Hour

// ErrInvalidGrant is returned when an upsert request is malformed.
var ErrInvalidGrant = errors.New("invalid license grant")

// ServiceConfig configures the license lifecycle service.
type ServiceConfig struct {
	Cycle      time.Duration
	PlanLimits models.PlanLimits
	// Now overrides the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Service owns the license lifecycle: upsert, activation, lookup,
// cycle reconciliation and reporting.
type Service struct {
	store  Store
	cycle  time.Duration
	limits models.PlanLimits
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a new lifecycle service over store.
func NewService(store Store, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Cycle <= 0 {
		cfg.Cycle = DefaultCycle
	}
	if cfg.PlanLimits == nil {
		cfg.PlanLimits = models.DefaultPlanLimits()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:  store,
		cycle:  cfg.Cycle,
		limits: cfg.PlanLimits,
		now:    cfg.Now,
		logger: logger.With().Str("component", "license_service").Logger(),
	}
}

// Cycle returns the configured billing cycle length.
func (s *Service) Cycle() time.Duration {
	return s.cycle
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Upsert creates or replaces the license for grant.UserID. A zero
// NotesLimit is replaced by the plan's default quota.
func (s *Service) Upsert(ctx context.Context, grant models.LicenseGrant) (*models.License, error) {
	grant.UserID = strings.TrimSpace(grant.UserID)
	grant.Email = strings.TrimSpace(grant.Email)
	if grant.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidGrant)
	}
	if grant.Email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidGrant)
	}
	plan, ok := models.ParsePlanType(string(grant.PlanType))
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidGrant, grant.PlanType)
	}
	grant.PlanType = plan
	if grant.NotesLimit < 0 {
		return nil, fmt.Errorf("%w: notes limit must not be negative", ErrInvalidGrant)
	}
	if grant.NotesLimit == 0 {
		grant.NotesLimit = s.limits.LimitFor(plan)
	}

	lic, err := s.store.UpsertLicense(ctx, grant, s.now(), s.cycle)
	if err != nil {
		return nil, fmt.Errorf("upsert license: %w", err)
	}

	s.logger.Info().
		Str("user_id", lic.UserID).
		Str("plan", string(lic.PlanType)).
		Int("notes_limit", lic.NotesLimit).
		Time("expires_at", lic.ExpiresAt).
		Msg("license upserted")
	return lic, nil
}

// SetActive flips the active flag for the license bound to subscriptionID.
// The returned error wraps ErrNotFound when no license matches.
func (s *Service) SetActive(ctx context.Context, subscriptionID string, active bool) (*models.License, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("set license active: %w", ErrNotFound)
	}

	lic, err := s.store.SetActiveBySubscription(ctx, subscriptionID, active, s.now())
	if err != nil {
		return nil, fmt.Errorf("set license active: %w", err)
	}

	s.logger.Info().
		Str("user_id", lic.UserID).
		Str("subscription_id", subscriptionID).
		Bool("active", active).
		Msg("license status updated")
	return lic, nil
}

// Get returns the license for userID.
func (s *Service) Get(ctx context.Context, userID string) (*models.License, error) {
	lic, err := s.store.GetLicenseByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// ReconcileCycles resets every elapsed active cycle relative to now.
func (s *Service) ReconcileCycles(ctx context.Context, now time.Time) (int, error) {
	return s.store.ReconcileCycles(ctx, now, s.cycle)
}

// UsageStats returns the active-license rollup.
func (s *Service) UsageStats(ctx context.Context) (*models.UsageStats, error) {
	stats, err := s.store.UsageStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	return stats, nil
}
