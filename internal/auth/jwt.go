package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// JWT signs and verifies HS256 tokens carrying a principal.
type JWT struct {
	secret []byte
	expiry time.Duration
}

// NewJWT builds a JWT helper with the given secret and expiry. A
// non-positive expiry issues tokens that never expire.
func NewJWT(secret string, expiry time.Duration) *JWT {
	return &JWT{secret: []byte(secret), expiry: expiry}
}

// Claims is the token payload: the principal id rides in the registered
// subject claim.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given principal.
func (j *JWT) Generate(p *models.Principal) (string, error) {
	if j == nil || len(j.secret) == 0 {
		return "", models.NewError(models.CodeInternal, "jwt signing not configured")
	}
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return "", models.NewError(models.CodeValidation, "principal id required").WithDetail("field", "id")
	}

	claims := Claims{
		Email: strings.TrimSpace(p.Email),
		Name:  strings.TrimSpace(p.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(j.expiry)),
		},
	}
	if j.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Validate parses a token and returns the principal it carries. Expiry is
// reported as AUTH_TOKEN_EXPIRED so clients know to refresh rather than
// re-authenticate; every other defect is AUTH_TOKEN_INVALID.
func (j *JWT) Validate(token string) (*models.Principal, error) {
	if j == nil || len(j.secret) == 0 {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "token auth not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.NewError(models.CodeAuthTokenExpired, "token expired")
		}
		return nil, models.NewError(models.CodeAuthTokenInvalid, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "token has no subject")
	}
	return &models.Principal{
		ID:    claims.Subject,
		Email: strings.TrimSpace(claims.Email),
		Name:  strings.TrimSpace(claims.Name),
	}, nil
}
