package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/memstore"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type licenseFixture struct {
	store   *memstore.Store
	service *license.Service
	codec   *auth.TokenCodec
	gate    *license.Gate
}

// newLicenseFixture seeds user_1 on the starter plan bound to sub_1.
func newLicenseFixture(t *testing.T) *licenseFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	svc := license.NewService(store, license.ServiceConfig{}, zerolog.Nop())
	codec, err := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	_, err = svc.Upsert(t.Context(), models.LicenseGrant{
		UserID:                 "user_1",
		Email:                  "dr@clinic.example",
		PlanType:               models.PlanStarter,
		NotesLimit:             5,
		ExternalSubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("seed license: %v", err)
	}

	return &licenseFixture{
		store:   store,
		service: svc,
		codec:   codec,
		gate:    license.NewGate(codec, store, nil, zerolog.Nop()),
	}
}

func (f *licenseFixture) bearer(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.codec.Issue(userID, "dr@clinic.example", models.PlanStarter, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal %q: %v", w.Body.String(), err)
	}
}
