package license_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/memstore"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/rs/zerolog"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recorder) RecordGateDecision(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *recorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

type fixture struct {
	clock    *clock
	store    *memstore.Store
	service  *license.Service
	codec    *auth.TokenCodec
	gate     *license.Gate
	recorder *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock()
	store := memstore.New()
	codec, err := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte(testSecret), Now: clk.Now})
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v", err)
	}
	rec := &recorder{}
	return &fixture{
		clock:    clk,
		store:    store,
		service:  license.NewService(store, license.ServiceConfig{Now: clk.Now}, zerolog.Nop()),
		codec:    codec,
		gate:     license.NewGate(codec, store, rec, zerolog.Nop()),
		recorder: rec,
	}
}

func (f *fixture) grant(t *testing.T, userID string, limit int, subID string) *models.License {
	t.Helper()
	lic, err := f.service.Upsert(context.Background(), models.LicenseGrant{
		UserID:                 userID,
		Email:                  userID + "@example.com",
		PlanType:               models.PlanPro,
		NotesLimit:             limit,
		ExternalSubscriptionID: subID,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return lic
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := f.codec.Issue(userID, userID+"@example.com", models.PlanPro, 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func TestGate_Authorize(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", 5, "sub_1")
	valid := f.token(t, "u1")

	t.Run("bearer prefix", func(t *testing.T) {
		claims, err := f.gate.Authorize(context.Background(), "Bearer "+valid)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if claims.Subject != "u1" {
			t.Errorf("Subject = %q, want u1", claims.Subject)
		}
		if claims.Plan != models.PlanPro {
			t.Errorf("Plan = %q, want pro", claims.Plan)
		}
	})

	t.Run("bare token", func(t *testing.T) {
		if _, err := f.gate.Authorize(context.Background(), valid); err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
	})

	lic, err := f.store.GetLicenseByUserID(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if lic.NotesUsed != 2 {
		t.Errorf("NotesUsed = %d, want 2", lic.NotesUsed)
	}
	if got := f.recorder.count(license.OutcomeAllowed); got != 2 {
		t.Errorf("allowed decisions = %d, want 2", got)
	}
}

func TestGate_Denials(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "active", 1, "sub_active")
	f.grant(t, "inactive", 5, "sub_inactive")
	f.grant(t, "full", 1, "sub_full")

	ctx := context.Background()
	if _, err := f.service.SetActive(ctx, "sub_inactive", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ConsumeNote(ctx, "full"); err != nil {
		t.Fatal(err)
	}

	other, err := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	if err != nil {
		t.Fatal(err)
	}
	forged, _, err := other.Issue("active", "active@example.com", models.PlanPro, 0)
	if err != nil {
		t.Fatal(err)
	}
	expired, _, err := f.codec.Issue("active", "active@example.com", models.PlanPro, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		credential func() string
		reason     license.Reason
		kind       license.Kind
		status     int
	}{
		{"empty", func() string { return "" }, license.ReasonMissingToken, license.KindUnauthenticated, 401},
		{"bearer only", func() string { return "Bearer " }, license.ReasonMissingToken, license.KindUnauthenticated, 401},
		{"garbage", func() string { return "Bearer not-a-jwt" }, license.ReasonInvalidToken, license.KindUnauthenticated, 401},
		{"wrong secret", func() string { return "Bearer " + forged }, license.ReasonInvalidToken, license.KindUnauthenticated, 401},
		{"expired", func() string { return "Bearer " + expired }, license.ReasonExpiredToken, license.KindUnauthenticated, 401},
		{"unknown user", func() string { return "Bearer " + f.token(t, "ghost") }, license.ReasonNoSubscription, license.KindUnauthenticated, 401},
		{"inactive", func() string { return "Bearer " + f.token(t, "inactive") }, license.ReasonInactiveSubscription, license.KindForbidden, 403},
		{"quota exhausted", func() string { return "Bearer " + f.token(t, "full") }, license.ReasonQuotaExhausted, license.KindForbidden, 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := tt.credential()
			if tt.reason == license.ReasonExpiredToken {
				f.clock.Advance(2 * time.Minute)
				defer f.clock.Advance(-2 * time.Minute)
			}
			_, err := f.gate.Authorize(ctx, cred)
			if err == nil {
				t.Fatal("expected error")
			}
			e, ok := license.AsError(err)
			if !ok {
				t.Fatalf("error %v is not a *license.Error", err)
			}
			if e.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", e.Reason, tt.reason)
			}
			if e.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", e.Kind, tt.kind)
			}
			if e.HTTPStatus() != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", e.HTTPStatus(), tt.status)
			}
			if f.recorder.count(string(tt.reason)) == 0 {
				t.Errorf("no %q decision recorded", tt.reason)
			}
		})
	}

	lic, err := f.store.GetLicenseByUserID(ctx, "inactive")
	if err != nil {
		t.Fatal(err)
	}
	if lic.NotesUsed != 0 {
		t.Errorf("inactive NotesUsed = %d, want 0", lic.NotesUsed)
	}
}

func TestGate_StoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	gate := license.NewGate(fakeDecoder{}, failingStore{err: boom}, nil, zerolog.Nop())

	_, err := gate.Authorize(context.Background(), "Bearer x")
	if !errors.Is(err, boom) {
		t.Fatalf("Authorize() error = %v, want %v", err, boom)
	}
	if _, ok := license.AsError(err); ok {
		t.Error("infrastructure failure should not be a domain error")
	}
}

// Concurrent consumers for one user never exceed the limit.
func TestGate_QuotaUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	const limit = 25
	const callers = 200
	f.grant(t, "u1", limit, "sub_1")
	tok := "Bearer " + f.token(t, "u1")

	var granted, exhausted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.gate.Authorize(context.Background(), tok)
			switch {
			case err == nil:
				granted.Add(1)
			case license.IsReason(err, license.ReasonQuotaExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if granted.Load() != limit {
		t.Errorf("granted = %d, want %d", granted.Load(), limit)
	}
	if exhausted.Load() != callers-limit {
		t.Errorf("exhausted = %d, want %d", exhausted.Load(), callers-limit)
	}
	lic, err := f.store.GetLicenseByUserID(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if lic.NotesUsed != limit {
		t.Errorf("NotesUsed = %d, want %d", lic.NotesUsed, limit)
	}
}

func TestScenario_ExhaustedThenReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "u1", 2, "sub_1")
	tok := "Bearer " + f.token(t, "u1")

	for i := 0; i < 2; i++ {
		if _, err := f.gate.Authorize(ctx, tok); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := f.gate.Authorize(ctx, tok); !license.IsReason(err, license.ReasonQuotaExhausted) {
		t.Fatalf("Authorize() error = %v, want quota_exhausted", err)
	}

	f.clock.Advance(license.DefaultCycle + time.Hour)
	tok = "Bearer " + f.token(t, "u1")

	rec := license.NewReconciler(f.service, nil, zerolog.Nop())
	n, err := rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}

	if _, err := f.gate.Authorize(ctx, tok); err != nil {
		t.Fatalf("Authorize() after reconcile error = %v", err)
	}
	lic, err := f.store.GetLicenseByUserID(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if lic.NotesUsed != 1 {
		t.Errorf("NotesUsed = %d, want 1", lic.NotesUsed)
	}
}

func TestScenario_DeactivatedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "u1", 10, "sub_123")
	tok := "Bearer " + f.token(t, "u1")

	if _, err := f.service.SetActive(ctx, "sub_123", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	_, err := f.gate.Authorize(ctx, tok)
	if !license.IsReason(err, license.ReasonInactiveSubscription) {
		t.Fatalf("Authorize() error = %v, want inactive_subscription", err)
	}
	if !license.IsKind(err, license.KindForbidden) {
		t.Errorf("kind should be forbidden")
	}
}

func TestGate_Identify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "u1", 10, "sub_1")

	claims, lic, err := f.gate.Identify(ctx, "Bearer "+f.token(t, "u1"))
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if claims.Subject != "u1" || lic.UserID != "u1" {
		t.Errorf("Identify() = %q/%q, want u1", claims.Subject, lic.UserID)
	}
	if lic.NotesUsed != 0 {
		t.Errorf("Identify consumed quota: NotesUsed = %d", lic.NotesUsed)
	}

	_, _, err = f.gate.Identify(ctx, "Bearer "+f.token(t, "nobody"))
	if !license.IsReason(err, license.ReasonNoSubscription) {
		t.Errorf("Identify() error = %v, want no_subscription", err)
	}
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(string) (*auth.Claims, error) {
	c := &auth.Claims{}
	c.Subject = "u1"
	return c, nil
}

type failingStore struct {
	license.Store
	err error
}

func (s failingStore) ConsumeNote(context.Context, string) (*models.License, error) {
	return nil, s.err
}
