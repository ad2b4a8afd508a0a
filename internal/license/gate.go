package license

import (
	"context"
	"errors"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/rs/zerolog"
)

// OutcomeAllowed is the metrics label for a granted request.
const OutcomeAllowed = "allowed"

// TokenDecoder verifies access tokens.
type TokenDecoder interface {
	Decode(token string) (*auth.Claims, error)
}

// GateRecorder receives one observation per gate decision.
type GateRecorder interface {
	RecordGateDecision(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordGateDecision(string) {}

// Gate authorizes note-generation requests: it verifies the bearer token,
// checks the caller's license and consumes one unit of quota.
type Gate struct {
	tokens   TokenDecoder
	store    Store
	recorder GateRecorder
	logger   zerolog.Logger
}

// NewGate creates a Gate. recorder may be nil.
func NewGate(tokens TokenDecoder, store Store, recorder GateRecorder, logger zerolog.Logger) *Gate {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Gate{
		tokens:   tokens,
		store:    store,
		recorder: recorder,
		logger:   logger.With().Str("component", "access_gate").Logger(),
	}
}

// Authorize decides whether the holder of credential may generate a note.
// On success exactly one unit of quota has been consumed. Every failure is
// an *Error carrying a stable Reason.
func (g *Gate) Authorize(ctx context.Context, credential string) (*auth.Claims, error) {
	claims, err := g.verify(credential)
	if err != nil {
		return nil, g.deny(err)
	}

	lic, err := g.store.ConsumeNote(ctx, claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, g.deny(NewError(ReasonNoSubscription, nil))
		case errors.Is(err, ErrInactive):
			return nil, g.deny(NewError(ReasonInactiveSubscription, nil))
		case errors.Is(err, ErrQuotaExhausted):
			return nil, g.deny(NewError(ReasonQuotaExhausted, nil))
		default:
			g.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("failed to consume note quota")
			return nil, err
		}
	}

	g.recorder.RecordGateDecision(OutcomeAllowed)
	g.logger.Debug().
		Str("user_id", claims.Subject).
		Int("notes_used", lic.NotesUsed).
		Int("notes_limit", lic.NotesLimit).
		Msg("note quota consumed")
	return claims, nil
}

// Identify verifies credential and loads the caller's license without
// consuming quota.
func (g *Gate) Identify(ctx context.Context, credential string) (*auth.Claims, *models.License, error) {
	claims, err := g.verify(credential)
	if err != nil {
		return nil, nil, err
	}

	lic, err := g.store.GetLicenseByUserID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return claims, nil, NewError(ReasonNoSubscription, nil)
		}
		return claims, nil, err
	}
	return claims, lic, nil
}

// verify runs the token checks shared by Authorize and Identify.
func (g *Gate) verify(credential string) (*auth.Claims, error) {
	token := auth.CredentialToken(credential)
	if token == "" {
		return nil, NewError(ReasonMissingToken, nil)
	}

	claims, err := g.tokens.Decode(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return nil, NewError(ReasonExpiredToken, err)
		}
		return nil, NewError(ReasonInvalidToken, err)
	}
	return claims, nil
}

func (g *Gate) deny(err error) error {
	if e, ok := AsError(err); ok {
		g.recorder.RecordGateDecision(string(e.Reason))
		g.logger.Debug().Str("reason", string(e.Reason)).Msg("access denied")
	}
	return err
}
