package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/memstore"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func gateRouter(t *testing.T, notesLimit int) (*gin.Engine, *auth.TokenCodec, *license.Service) {
	t.Helper()
	store := memstore.New()
	svc := license.NewService(store, license.ServiceConfig{}, zerolog.Nop())
	codec, err := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)

	_, err = svc.Upsert(t.Context(), models.LicenseGrant{
		UserID: "user_1", Email: "dr@clinic.example", PlanType: models.PlanStarter,
		NotesLimit: notesLimit, ExternalSubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	gate := license.NewGate(codec, store, nil, zerolog.Nop())
	r := gin.New()
	r.POST("/notes", AccessGateMiddleware(gate, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetClaims(c).UserID()})
	})
	return r, codec, svc
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAccessGateMiddleware(t *testing.T) {
	r, codec, _ := gateRouter(t, 1)
	token, _, err := codec.Issue("user_1", "dr@clinic.example", models.PlanStarter, 0)
	require.NoError(t, err)
	stranger, _, err := codec.Issue("user_2", "x@clinic.example", models.PlanStarter, 0)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantReason string
	}{
		{"missing token", "", http.StatusUnauthorized, "missing_token"},
		{"garbage token", "Bearer nope", http.StatusUnauthorized, "invalid_token"},
		{"no subscription", "Bearer " + stranger, http.StatusForbidden, "no_subscription"},
		{"allowed", "Bearer " + token, http.StatusOK, ""},
		{"quota exhausted", "Bearer " + token, http.StatusForbidden, "quota_exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/notes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeBody(t, w)
			if tt.wantReason == "" {
				assert.Equal(t, "user_1", body["user"])
				return
			}
			assert.Equal(t, tt.wantReason, body["reason"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAccessGateMiddleware_Inactive(t *testing.T) {
	r, codec, svc := gateRouter(t, 10)
	_, err := svc.SetActive(t.Context(), "sub_1", false)
	require.NoError(t, err)
	token, _, err := codec.Issue("user_1", "dr@clinic.example", models.PlanStarter, 0)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/notes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "inactive_subscription", decodeBody(t, w)["reason"])
}

func TestAdminKeyMiddleware(t *testing.T) {
	key := strings.Repeat("k", 32)

	newRouter := func(configured string) *gin.Engine {
		r := gin.New()
		r.GET("/admin", AdminKeyMiddleware(configured, zerolog.Nop()), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})
		return r
	}

	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		want       int
	}{
		{"header key", key, "X-Admin-Key", key, http.StatusOK},
		{"bearer key", key, "Authorization", "Bearer " + key, http.StatusOK},
		{"wrong key", key, "X-Admin-Key", strings.Repeat("x", 32), http.StatusUnauthorized},
		{"missing key", key, "", "", http.StatusUnauthorized},
		{"disabled", "", "X-Admin-Key", key, http.StatusServiceUnavailable},
		{"too short to enable", "short", "X-Admin-Key", "short", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			newRouter(tt.configured).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Run("access error", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		WriteError(c, license.NewError(license.ReasonLicenseNotFound, nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "license_not_found", decodeBody(t, w)["reason"])
	})

	t.Run("internal error hides details", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		WriteError(c, assert.AnError)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	})
}
