package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/api/middleware"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseAdmin is the subset of license.Service used by operators.
type LicenseAdmin interface {
	Get(ctx context.Context, userID string) (*models.License, error)
	Upsert(ctx context.Context, grant models.LicenseGrant) (*models.License, error)
	SetActive(ctx context.Context, subscriptionID string, active bool) (*models.License, error)
	UsageStats(ctx context.Context) (*models.UsageStats, error)
}

// CycleReconciler runs one reconciliation sweep.
type CycleReconciler interface {
	Run(ctx context.Context) (int, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(userID, email string, plan models.PlanType, ttl time.Duration) (string, time.Time, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	licenses   LicenseAdmin
	reconciler CycleReconciler
	tokens     TokenIssuer
	logger     zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(licenses LicenseAdmin, reconciler CycleReconciler, tokens TokenIssuer, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		licenses:   licenses,
		reconciler: reconciler,
		tokens:     tokens,
		logger:     logger.With().Str("component", "admin_handler").Logger(),
	}
}

// RegisterRoutes registers admin routes on a group guarded by the admin key.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	{
		admin.GET("/usage", h.Usage)
		admin.POST("/reconcile", h.Reconcile)
		admin.POST("/tokens", h.IssueToken)
		admin.PUT("/licenses", h.UpsertLicense)
		admin.GET("/licenses/:user_id", h.GetLicense)
		admin.PUT("/subscriptions/:id/active", h.SetSubscriptionActive)
	}
}

// Usage returns the active-license rollup.
// GET /api/v1/admin/usage
func (h *AdminHandler) Usage(c *gin.Context) {
	stats, err := h.licenses.UsageStats(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get usage stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get usage stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ReconcileResponse reports a manual reconciliation sweep.
type ReconcileResponse struct {
	Reset   int  `json:"reset"`
	Partial bool `json:"partial,omitempty"`
}

// Reconcile runs the billing cycle reconciler immediately.
// POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	reset, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		h.logger.Warn().Err(err).Int("reset", reset).Msg("manual reconciliation finished with failures")
		c.JSON(http.StatusOK, ReconcileResponse{Reset: reset, Partial: true})
		return
	}
	c.JSON(http.StatusOK, ReconcileResponse{Reset: reset})
}

// IssueTokenRequest is the request body for issuing a token.
type IssueTokenRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// IssueTokenResponse carries a freshly signed token.
type IssueTokenResponse struct {
	Token     string    `json:"access_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken signs a token for a user that already holds a license.
// POST /api/v1/admin/tokens
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TTLMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_minutes must not be negative"})
		return
	}

	lic, err := h.licenses.Get(c.Request.Context(), req.UserID)
	if err != nil {
		h.writeLookupError(c, err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(lic.UserID, lic.Email, lic.PlanType, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", lic.UserID).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	h.logger.Info().Str("user_id", lic.UserID).Time("expires_at", expiresAt).Msg("access token issued")
	c.JSON(http.StatusCreated, IssueTokenResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: expiresAt,
	})
}

// UpsertLicense creates or replaces a license by hand.
// PUT /api/v1/admin/licenses
func (h *AdminHandler) UpsertLicense(c *gin.Context) {
	var grant models.LicenseGrant
	if err := c.ShouldBindJSON(&grant); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lic, err := h.licenses.Upsert(c.Request.Context(), grant)
	if err != nil {
		if errors.Is(err, license.ErrInvalidGrant) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).Str("user_id", grant.UserID).Msg("failed to upsert license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upsert license"})
		return
	}

	c.JSON(http.StatusOK, lic)
}

// GetLicense returns the stored license for a user.
// GET /api/v1/admin/licenses/:user_id
func (h *AdminHandler) GetLicense(c *gin.Context) {
	lic, err := h.licenses.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, lic)
}

// SetActiveRequest is the request body for SetSubscriptionActive.
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetSubscriptionActive flips the active flag of the license bound to a
// subscription.
// PUT /api/v1/admin/subscriptions/:id/active
func (h *AdminHandler) SetSubscriptionActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lic, err := h.licenses.SetActive(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, lic)
}

func (h *AdminHandler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, license.ErrNotFound) {
		middleware.WriteError(c, license.NewError(license.ReasonLicenseNotFound, err))
		return
	}
	h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("license lookup failed")
	middleware.WriteError(c, err)
}
