package util

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/pkg/rbac"
)

const testSecret = "test-secret"

func TestJWTRoundTrip(t *testing.T) {
	tok, err := GenerateJWT("funder-1", rbac.RoleFunder, testSecret, time.Hour)
	require.NoError(t, err)

	uid, role, err := ParseJWT(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "funder-1", uid)
	assert.Equal(t, rbac.RoleFunder, role)
}

func TestParseJWTRejects(t *testing.T) {
	expired, err := GenerateJWT("funder-1", rbac.RoleFunder, testSecret, -time.Minute)
	require.NoError(t, err)
	_, _, err = ParseJWT(expired, testSecret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	good, err := GenerateJWT("funder-1", rbac.RoleFunder, testSecret, time.Hour)
	require.NoError(t, err)
	_, _, err = ParseJWT(good, "other-secret")
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	bogus := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u-1",
		Role:   "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := bogus.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, _, err = ParseJWT(s, testSecret)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidClaims)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(r))
}
