package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

const cycle = 30 * 24 * time.Hour

func grant(userID string, limit int) models.LicenseGrant {
	return models.LicenseGrant{
		UserID:                 userID,
		Email:                  userID + "@example.com",
		PlanType:               models.PlanStarter,
		NotesLimit:             limit,
		ExternalSubscriptionID: "sub_" + userID,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	lic, err := s.UpsertLicense(ctx, grant("u1", 3), epoch, cycle)
	require.NoError(t, err)
	assert.Equal(t, epoch, lic.CreatedAt)
	assert.Equal(t, epoch.Add(cycle), lic.ExpiresAt)

	got, err := s.GetLicenseByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, lic, got)

	// returned values are copies
	got.NotesUsed = 99
	again, err := s.GetLicenseByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.NotesUsed)

	_, err = s.GetLicenseByUserID(ctx, "missing")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_UpsertRejectsDuplicateEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertLicense(ctx, grant("u1", 3), epoch, cycle)
	require.NoError(t, err)

	g := grant("u2", 3)
	g.Email = "u1@example.com"
	_, err = s.UpsertLicense(ctx, g, epoch, cycle)
	assert.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestStore_ConsumeNote(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertLicense(ctx, grant("u1", 2), epoch, cycle)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		lic, err := s.ConsumeNote(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, lic.NotesUsed)
	}
	_, err = s.ConsumeNote(ctx, "u1")
	assert.ErrorIs(t, err, license.ErrQuotaExhausted)

	_, err = s.SetActiveBySubscription(ctx, "sub_u1", false, epoch)
	require.NoError(t, err)
	_, err = s.ConsumeNote(ctx, "u1")
	assert.ErrorIs(t, err, license.ErrInactive)

	_, err = s.ConsumeNote(ctx, "nobody")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_ConsumeNoteConcurrentUsers(t *testing.T) {
	s := New()
	ctx := context.Background()
	const users = 8
	const limit = 50
	for i := 0; i < users; i++ {
		_, err := s.UpsertLicense(ctx, grant(fmt.Sprintf("u%d", i), limit), epoch, cycle)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		id := fmt.Sprintf("u%d", i)
		for j := 0; j < limit*2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.ConsumeNote(ctx, id)
			}()
		}
	}
	wg.Wait()

	stats, err := s.UsageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, users*limit, stats.TotalNotesUsed)
	for i := 0; i < users; i++ {
		lic, err := s.GetLicenseByUserID(ctx, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		assert.Equal(t, limit, lic.NotesUsed)
	}
}

func TestStore_ReconcileContinuesPastFailures(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.UpsertLicense(ctx, grant(id, 5), epoch, cycle)
		require.NoError(t, err)
		_, err = s.ConsumeNote(ctx, id)
		require.NoError(t, err)
	}

	boom := errors.New("disk full")
	s.failReset = func(userID string) error {
		if userID == "b" {
			return boom
		}
		return nil
	}

	now := epoch.Add(cycle + time.Hour)
	n, err := s.ReconcileCycles(ctx, now, cycle)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	a, _ := s.GetLicenseByUserID(ctx, "a")
	b, _ := s.GetLicenseByUserID(ctx, "b")
	c, _ := s.GetLicenseByUserID(ctx, "c")
	assert.Equal(t, 0, a.NotesUsed)
	assert.Equal(t, 1, b.NotesUsed)
	assert.Equal(t, 0, c.NotesUsed)

	s.failReset = nil
	n, err = s.ReconcileCycles(ctx, now, cycle)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed record is picked up by the next sweep")
}

func TestStore_ReconcileBoundary(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertLicense(ctx, grant("u1", 5), epoch, cycle)
	require.NoError(t, err)

	// expires_at == now is not yet elapsed
	n, err := s.ReconcileCycles(ctx, epoch.Add(cycle), cycle)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.ReconcileCycles(ctx, epoch.Add(cycle+time.Nanosecond), cycle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_SetActiveBySubscription(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertLicense(ctx, grant("u1", 5), epoch, cycle)
	require.NoError(t, err)

	lic, err := s.SetActiveBySubscription(ctx, "sub_u1", false, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, lic.Active)
	assert.Equal(t, epoch.Add(time.Hour), lic.UpdatedAt)

	_, err = s.SetActiveBySubscription(ctx, "sub_unknown", true, epoch)
	assert.ErrorIs(t, err, license.ErrNotFound)
}
