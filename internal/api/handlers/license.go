package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/api/middleware"
	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseIdentifier resolves a caller and their license without charging
// quota.
type LicenseIdentifier interface {
	Identify(ctx context.Context, credential string) (*auth.Claims, *models.License, error)
}

// LicenseHandler serves the caller's own license status.
type LicenseHandler struct {
	gate   LicenseIdentifier
	logger zerolog.Logger
}

// NewLicenseHandler creates a new LicenseHandler.
func NewLicenseHandler(gate LicenseIdentifier, logger zerolog.Logger) *LicenseHandler {
	return &LicenseHandler{
		gate:   gate,
		logger: logger.With().Str("component", "license_handler").Logger(),
	}
}

// RegisterRoutes registers license routes on the given router group.
func (h *LicenseHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/license", h.GetLicense)
}

// LicenseStatus is the caller-facing view of a license.
type LicenseStatus struct {
	UserID         string          `json:"user_id"`
	Email          string          `json:"email"`
	PlanType       models.PlanType `json:"plan_type"`
	Active         bool            `json:"active"`
	NotesLimit     int             `json:"notes_limit"`
	NotesUsed      int             `json:"notes_used"`
	NotesRemaining int             `json:"notes_remaining"`
	CycleEndsAt    time.Time       `json:"cycle_ends_at"`
}

// LicenseResponse is the response for the GetLicense endpoint.
type LicenseResponse struct {
	License LicenseStatus `json:"license"`
}

// GetLicense returns the caller's license status.
// GET /api/v1/license
func (h *LicenseHandler) GetLicense(c *gin.Context) {
	claims, lic, err := h.gate.Identify(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		if _, ok := license.AsError(err); !ok {
			h.logger.Error().Err(err).Msg("failed to load license")
		}
		middleware.WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, LicenseResponse{
		License: LicenseStatus{
			UserID:         claims.Subject,
			Email:          lic.Email,
			PlanType:       lic.PlanType,
			Active:         lic.Active,
			NotesLimit:     lic.NotesLimit,
			NotesUsed:      lic.NotesUsed,
			NotesRemaining: lic.NotesRemaining(),
			CycleEndsAt:    lic.ExpiresAt,
		},
	})
}
