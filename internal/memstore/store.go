// Package memstore provides an in-memory license store. It backs tests and
// single-process deployments started with DATABASE_URL=memory.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
)

type entry struct {
	mu  sync.Mutex
	lic models.License
}

// Store is a map-backed license store. Each license row has its own mutex so
// that consuming quota for one user never blocks another.
type Store struct {
	mu     sync.RWMutex
	byUser map[string]*entry
	bySub  map[string]string

	// failReset lets tests inject per-record reconcile failures.
	failReset func(userID string) error
}

var _ license.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		byUser: make(map[string]*entry),
		bySub:  make(map[string]string),
	}
}

// UpsertLicense creates or updates the license for grant.UserID.
func (s *Store) UpsertLicense(_ context.Context, grant models.LicenseGrant, now time.Time, cycle time.Duration) (*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant.ExternalSubscriptionID != "" {
		if owner, ok := s.bySub[grant.ExternalSubscriptionID]; ok && owner != grant.UserID {
			return nil, fmt.Errorf("subscription %s already bound to another user", grant.ExternalSubscriptionID)
		}
	}

	e, ok := s.byUser[grant.UserID]
	if !ok {
		for _, other := range s.byUser {
			if other.lic.Email == grant.Email {
				return nil, fmt.Errorf("email %s already bound to another user", grant.Email)
			}
		}
		e = &entry{lic: *models.NewLicense(grant, now, cycle)}
		s.byUser[grant.UserID] = e
		s.index(e.lic.ExternalSubscriptionID, grant.UserID, "")
		out := e.lic
		return &out, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	oldSub := e.lic.ExternalSubscriptionID
	e.lic.ApplyGrant(grant, now, cycle)
	s.index(e.lic.ExternalSubscriptionID, grant.UserID, oldSub)
	out := e.lic
	return &out, nil
}

// index must be called with s.mu held for writing.
func (s *Store) index(sub, userID, oldSub string) {
	if oldSub != "" && oldSub != sub {
		delete(s.bySub, oldSub)
	}
	if sub != "" {
		s.bySub[sub] = userID
	}
}

// SetActiveBySubscription sets the active flag of the license bound to
// subscriptionID.
func (s *Store) SetActiveBySubscription(_ context.Context, subscriptionID string, active bool, now time.Time) (*models.License, error) {
	s.mu.RLock()
	userID, ok := s.bySub[subscriptionID]
	var e *entry
	if ok {
		e = s.byUser[userID]
	}
	s.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, license.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lic.Active = active
	e.lic.UpdatedAt = now
	out := e.lic
	return &out, nil
}

// GetLicenseByUserID returns a copy of the license for userID.
func (s *Store) GetLicenseByUserID(_ context.Context, userID string) (*models.License, error) {
	e := s.get(userID)
	if e == nil {
		return nil, fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.lic
	return &out, nil
}

// ConsumeNote checks and increments notes_used under the row mutex.
func (s *Store) ConsumeNote(_ context.Context, userID string) (*models.License, error) {
	e := s.get(userID)
	if e == nil {
		return nil, fmt.Errorf("user %s: %w", userID, license.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lic.Active {
		return nil, license.ErrInactive
	}
	if !e.lic.HasQuota() {
		return nil, license.ErrQuotaExhausted
	}
	e.lic.NotesUsed++
	out := e.lic
	return &out, nil
}

// ReconcileCycles resets every active license whose cycle elapsed before now.
func (s *Store) ReconcileCycles(_ context.Context, now time.Time, cycle time.Duration) (int, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byUser))
	for id := range s.byUser {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var errs []error
	count := 0
	for _, id := range ids {
		reset, err := s.resetOne(id, now, cycle)
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", id, err))
			continue
		}
		if reset {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (s *Store) resetOne(userID string, now time.Time, cycle time.Duration) (bool, error) {
	e := s.get(userID)
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lic.Active || !e.lic.CycleElapsed(now) {
		return false, nil
	}
	if s.failReset != nil {
		if err := s.failReset(userID); err != nil {
			return false, err
		}
	}
	e.lic.NotesUsed = 0
	e.lic.ExpiresAt = now.Add(cycle)
	e.lic.UpdatedAt = now
	return true, nil
}

// UsageStats aggregates all active licenses.
func (s *Store) UsageStats(_ context.Context) (*models.UsageStats, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byUser))
	for _, e := range s.byUser {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	stats := models.NewUsageStats()
	for _, e := range entries {
		e.mu.Lock()
		if e.lic.Active {
			stats.Add(e.lic.PlanType, e.lic.NotesUsed, e.lic.NotesLimit)
		}
		e.mu.Unlock()
	}
	return stats, nil
}

// Len returns the number of stored licenses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

func (s *Store) get(userID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUser[userID]
}
