package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema-tenancy/internal/apperr"
)

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner("s3cret", time.Hour)
	require.NoError(t, err)

	tok, err := s.GenerateToken("acme_co", 5, 7)
	require.NoError(t, err)

	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "acme_co", claims.Namespace)
	assert.Equal(t, int64(5), claims.UserID)
	assert.Equal(t, int64(7), claims.TenantID)
}

func TestValidateToken_Expired(t *testing.T) {
	s, err := NewSigner("s3cret", time.Minute)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }

	tok, err := s.GenerateToken("acme_co", 5, 7)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.ValidateToken(tok)
	assert.True(t, errors.Is(err, apperr.ErrExpiredToken))
}

func TestValidateToken_Invalid(t *testing.T) {
	s, err := NewSigner("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewSigner("other", time.Hour)
	require.NoError(t, err)

	forged, err := other.GenerateToken("acme_co", 5, 7)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Namespace: "acme_co", UserID: 5, TenantID: 7}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for _, tok := range []string{"", "garbage", forged, noExp} {
		_, err := s.ValidateToken(tok)
		assert.True(t, errors.Is(err, apperr.ErrInvalidToken), tok)
	}
}

func TestNewSigner_RequiresSecret(t *testing.T) {
	_, err := NewSigner("", time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Bearer abc.def")
	tok, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)
}

func TestAdminKeyMiddleware(t *testing.T) {
	h := AdminKeyMiddleware("k3y")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tenants", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_admin_key"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	req.Header.Set("X-Admin-Key", "k3y")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
