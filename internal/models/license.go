package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlanType represents a subscription plan.
type PlanType string

const (
	// PlanStarter is the entry-level plan.
	PlanStarter PlanType = "starter"
	// PlanPro is the professional plan.
	PlanPro PlanType = "pro"
	// PlanEnterprise is the enterprise plan.
	PlanEnterprise PlanType = "enterprise"
)

// ValidPlanTypes returns all valid plan types.
func ValidPlanTypes() []PlanType {
	return []PlanType{
		PlanStarter,
		PlanPro,
		PlanEnterprise,
	}
}

// IsValid checks if the plan is one of the known plans.
func (p PlanType) IsValid() bool {
	for _, valid := range ValidPlanTypes() {
		if p == valid {
			return true
		}
	}
	return false
}

// ParsePlanType normalizes a plan name. The second return value is false
// for unknown plans.
func ParsePlanType(s string) (PlanType, bool) {
	p := PlanType(strings.ToLower(strings.TrimSpace(s)))
	return p, p.IsValid()
}

// PlanLimits maps each plan to its notes quota per billing cycle.
type PlanLimits map[PlanType]int

// DefaultPlanLimits returns the default per-cycle note quotas.
func DefaultPlanLimits() PlanLimits {
	return PlanLimits{
		PlanStarter:    100,
		PlanPro:        500,
		PlanEnterprise: 2500,
	}
}

// LimitFor returns the quota for a plan, or 0 for unknown plans.
func (l PlanLimits) LimitFor(p PlanType) int {
	return l[p]
}

// License is the persistent subscription record for a single user.
type License struct {
	ID                     uuid.UUID `json:"id"`
	UserID                 string    `json:"user_id"`
	Email                  string    `json:"email"`
	PlanType               PlanType  `json:"plan_type"`
	Active                 bool      `json:"active"`
	NotesLimit             int       `json:"notes_limit"`
	NotesUsed              int       `json:"notes_used"`
	CreatedAt              time.Time `json:"created_at"`
	ExpiresAt              time.Time `json:"expires_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	ExternalCustomerID     string    `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string    `json:"external_subscription_id,omitempty"`
}

// NotesRemaining returns how many notes are left in the current cycle.
func (l *License) NotesRemaining() int {
	if l.NotesUsed >= l.NotesLimit {
		return 0
	}
	return l.NotesLimit - l.NotesUsed
}

// HasQuota reports whether at least one note can still be generated.
func (l *License) HasQuota() bool {
	return l.NotesUsed < l.NotesLimit
}

// CycleElapsed reports whether the billing cycle ended before now.
func (l *License) CycleElapsed(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// LicenseGrant carries the fields written by an upsert.
type LicenseGrant struct {
	UserID                 string   `json:"user_id"`
	Email                  string   `json:"email"`
	PlanType               PlanType `json:"plan_type"`
	NotesLimit             int      `json:"notes_limit"`
	ExternalCustomerID     string   `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string   `json:"external_subscription_id,omitempty"`
}

// NewLicense builds a fresh active license for a grant.
func NewLicense(grant LicenseGrant, now time.Time, cycle time.Duration) *License {
	return &License{
		ID:                     uuid.New(),
		UserID:                 grant.UserID,
		Email:                  grant.Email,
		PlanType:               grant.PlanType,
		Active:                 true,
		NotesLimit:             grant.NotesLimit,
		NotesUsed:              0,
		CreatedAt:              now,
		ExpiresAt:              now.Add(cycle),
		UpdatedAt:              now,
		ExternalCustomerID:     grant.ExternalCustomerID,
		ExternalSubscriptionID: grant.ExternalSubscriptionID,
	}
}

// ApplyGrant overwrites the fields an upsert controls and starts a new cycle.
// Email and CreatedAt are left untouched.
func (l *License) ApplyGrant(grant LicenseGrant, now time.Time, cycle time.Duration) {
	l.PlanType = grant.PlanType
	l.Active = true
	l.NotesLimit = grant.NotesLimit
	l.NotesUsed = 0
	l.ExpiresAt = now.Add(cycle)
	l.UpdatedAt = now
	l.ExternalCustomerID = grant.ExternalCustomerID
	l.ExternalSubscriptionID = grant.ExternalSubscriptionID
}

// PlanUsage aggregates active licenses for one plan.
type PlanUsage struct {
	Users      int `json:"users"`
	NotesUsed  int `json:"notes_used"`
	NotesLimit int `json:"notes_limit"`
}

// UsageStats is a read-only rollup of active licenses.
type UsageStats struct {
	TotalUsers     int                    `json:"total_users"`
	TotalNotesUsed int                    `json:"total_notes_used"`
	PlanBreakdown  map[PlanType]PlanUsage `json:"plan_breakdown"`
}

// NewUsageStats returns empty stats with every known plan present.
func NewUsageStats() *UsageStats {
	s := &UsageStats{PlanBreakdown: make(map[PlanType]PlanUsage, len(ValidPlanTypes()))}
	for _, p := range ValidPlanTypes() {
		s.PlanBreakdown[p] = PlanUsage{}
	}
	return s
}

// Add folds one active license into the stats.
func (s *UsageStats) Add(plan PlanType, notesUsed, notesLimit int) {
	s.AddN(plan, 1, notesUsed, notesLimit)
}

// AddN folds a pre-aggregated group of licenses into the stats.
// Unknown plans count toward totals only.
func (s *UsageStats) AddN(plan PlanType, users, notesUsed, notesLimit int) {
	s.TotalUsers += users
	s.TotalNotesUsed += notesUsed

	p, ok := ParsePlanType(string(plan))
	if !ok {
		return
	}
	u := s.PlanBreakdown[p]
	u.Users += users
	u.NotesUsed += notesUsed
	u.NotesLimit += notesLimit
	s.PlanBreakdown[p] = u
}
