package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schema-tenancy/internal/apperr"
)

// Claims represents the bearer token payload
type Claims struct {
	Namespace string `json:"namespace"`
	UserID    int64  `json:"user_id"`
	TenantID  int64  `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Signer issues and verifies bearer tokens with a key fixed at construction.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("JWT secret not set")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key, ttl: ttl, now: time.Now}, nil
}

// GenerateToken creates a signed token for a user of the tenant backed by namespace.
func (s *Signer) GenerateToken(namespace string, userID, tenantID int64) (string, error) {
	now := s.now()
	claims := Claims{
		Namespace: namespace,
		UserID:    userID,
		TenantID:  tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the signature and expiry. Failures are ErrExpiredToken or
// ErrInvalidToken; the namespace claim is not checked here.
func (s *Signer) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.WithCause(apperr.ErrExpiredToken, err)
		}
		return nil, apperr.WithCause(apperr.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.ErrInvalidToken
	}
	if claims.UserID <= 0 || claims.TenantID <= 0 {
		return nil, apperr.ErrInvalidToken
	}
	return claims, nil
}
