package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.crmflow.test"

// fakeKeySet принимает любую подпись и возвращает payload токена.
type fakeKeySet struct{}

func (fakeKeySet) VerifySignature(_ context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("signature"))
}

func claimsFor(tenant string) map[string]any {
	return map[string]any{
		"iss":       testIssuer,
		"aud":       "crmflow-api",
		"sub":       "user-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Add(-time.Minute).Unix(),
		"tenant_id": tenant,
	}
}

func TestOIDCVerifier_TenantID(t *testing.T) {
	tenant := uuid.New()
	v := NewKeySetVerifier(testIssuer, fakeKeySet{}, "", "")

	expired := claimsFor(tenant.String())
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	otherIssuer := claimsFor(tenant.String())
	otherIssuer["iss"] = "https://evil.test"

	tests := []struct {
		name    string
		token   string
		want    uuid.UUID
		wantErr error
	}{
		{"valid", fakeToken(t, claimsFor(tenant.String())), tenant, nil},
		{"empty", "", uuid.Nil, ErrMissingToken},
		{"garbage", "not-a-jwt", uuid.Nil, ErrInvalidToken},
		{"expired", fakeToken(t, expired), uuid.Nil, ErrInvalidToken},
		{"wrong issuer", fakeToken(t, otherIssuer), uuid.Nil, ErrInvalidToken},
		{"no tenant", fakeToken(t, claimsFor("")), uuid.Nil, ErrMissingTenant},
		{"malformed tenant", fakeToken(t, claimsFor("acme")), uuid.Nil, ErrMissingTenant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.TenantID(context.Background(), tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOIDCVerifier_CustomClaimAndAudience(t *testing.T) {
	tenant := uuid.New()
	claims := claimsFor("")
	claims["org"] = tenant.String()

	v := NewKeySetVerifier(testIssuer, fakeKeySet{}, "crmflow-api", "org")
	got, err := v.TenantID(context.Background(), fakeToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, tenant, got)

	other := NewKeySetVerifier(testIssuer, fakeKeySet{}, "another-client", "org")
	_, err = other.TenantID(context.Background(), fakeToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireTenant(t *testing.T) {
	tenant := uuid.New()
	verifier := NewKeySetVerifier(testIssuer, fakeKeySet{}, "", "")
	valid := fakeToken(t, claimsFor(tenant.String()))

	tests := []struct {
		name     string
		devMode  bool
		header   map[string]string
		wantCode int
	}{
		{"bearer token", false, map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK},
		{"lowercase scheme", false, map[string]string{"Authorization": "bearer " + valid}, http.StatusOK},
		{"missing token", false, nil, http.StatusUnauthorized},
		{"invalid token", false, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"dev header ignored in prod", false, map[string]string{HeaderTenantID: tenant.String()}, http.StatusUnauthorized},
		{"dev header", true, map[string]string{HeaderTenantID: tenant.String()}, http.StatusOK},
		{"dev bad header", true, map[string]string{HeaderTenantID: "acme"}, http.StatusUnauthorized},
		{"dev token still verified", true, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.GET("/t", func(c echo.Context) error {
				fromCtx, ok := TenantFromContext(c.Request().Context())
				require.True(t, ok)
				assert.Equal(t, Tenant(c), fromCtx)
				return c.String(http.StatusOK, fromCtx.String())
			}, RequireTenant(Options{Verifier: verifier, DevMode: tt.devMode}))

			req := httptest.NewRequest(http.MethodGet, "/t", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tenant.String(), rec.Body.String())
			}
		})
	}
}

func TestTenantFromContext_Empty(t *testing.T) {
	_, ok := TenantFromContext(context.Background())
	assert.False(t, ok)

	_, ok = TenantFromContext(WithTenant(context.Background(), uuid.Nil))
	assert.False(t, ok)
}
