package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "practice",
			Audience:  jwt.ClaimStrings{"billing-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleBilling},
	}
}

type captured struct {
	userID string
	roles  []string
}

func serve(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (*captured, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/charges", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var got *captured
	err := mw(func(c echo.Context) error {
		got = &captured{
			userID: UserIDFromContext(c.Request().Context()),
			roles:  RolesFromContext(c.Request().Context()),
		}
		return c.NoContent(http.StatusOK)
	})(c)
	return got, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError, got %T", err)
	assert.Equal(t, code, httpErr.Code)
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	cfg := JWTConfig{Issuer: "practice", Audience: "billing-api", SigningKey: testSigningKey}
	got, err := serve(t, JWTMiddleware(cfg), "Bearer "+createTestToken(t, validClaims(), testSigningKey))

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-42", got.userID)
	assert.Equal(t, []string{RoleBilling}, got.roles)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	cfg := JWTConfig{Issuer: "practice", Audience: "billing-api", SigningKey: testSigningKey}

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims()
	noSubject.Subject = ""
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong key", "Bearer " + createTestToken(t, validClaims(), []byte("other-key"))},
		{"expired", "Bearer " + createTestToken(t, expired, testSigningKey)},
		{"wrong issuer", "Bearer " + createTestToken(t, wrongIssuer, testSigningKey)},
		{"wrong audience", "Bearer " + createTestToken(t, wrongAudience, testSigningKey)},
		{"no subject", "Bearer " + createTestToken(t, noSubject, testSigningKey)},
		{"no expiry", "Bearer " + createTestToken(t, noExpiry, testSigningKey)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serve(t, JWTMiddleware(cfg), tt.header)
			assertStatus(t, err, http.StatusUnauthorized)
			assert.Nil(t, got)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	got, err := serve(t, JWTMiddleware(cfg), "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.userID)
}

func TestDevAuthMiddleware_DefaultsToAdmin(t *testing.T) {
	got, err := serve(t, DevAuthMiddleware(JWTConfig{}), "")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", got.userID)
	assert.Equal(t, []string{RoleAdmin}, got.roles)
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}

	got, err := serve(t, DevAuthMiddleware(cfg), "Bearer "+createTestToken(t, validClaims(), testSigningKey))
	require.NoError(t, err)
	assert.Equal(t, "user-42", got.userID)

	_, err = serve(t, DevAuthMiddleware(cfg), "Bearer junk")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"billing", []string{RoleBilling}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"therapist only", []string{RoleTherapist}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(context.Background(), "u", tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(RoleBilling)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assertStatus(t, err, http.StatusForbidden)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	assert.True(t, IsPublicPath("/health"))
	assert.True(t, IsPublicPath("/metrics"))
	assert.False(t, IsPublicPath("/api/v1/charges"))
}
