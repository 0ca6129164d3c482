package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haasonsaas/crossquery/pkg/models"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)

	token, err := j.Generate(&models.Principal{ID: "user-42", Email: "u@example.com", Name: "U"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p, err := j.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.ID != "user-42" {
		t.Errorf("expected subject user-42, got %q", p.ID)
	}
	if p.Email != "u@example.com" || p.Name != "U" {
		t.Errorf("expected claims carried through, got %+v", p)
	}
}

func TestJWTExpiredToken(t *testing.T) {
	j := NewJWT("test-secret", -time.Minute)

	token, err := j.Generate(&models.Principal{ID: "user-42"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err = j.Validate(token)
	if !models.IsCode(err, models.CodeAuthTokenExpired) {
		t.Fatalf("expected AUTH_TOKEN_EXPIRED, got %v", err)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWT("secret-a", time.Hour).Generate(&models.Principal{ID: "user-42"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, err = NewJWT("secret-b", time.Hour).Validate(token)
	if !models.IsCode(err, models.CodeAuthTokenInvalid) {
		t.Fatalf("expected AUTH_TOKEN_INVALID, got %v", err)
	}
}

func TestJWTGarbageToken(t *testing.T) {
	_, err := NewJWT("test-secret", time.Hour).Validate("not-a-token")
	if !models.IsCode(err, models.CodeAuthTokenInvalid) {
		t.Fatalf("expected AUTH_TOKEN_INVALID, got %v", err)
	}
}

func TestJWTRejectsUnsignedAlg(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}
	_, err = NewJWT("test-secret", time.Hour).Validate(token)
	if !models.IsCode(err, models.CodeAuthTokenInvalid) {
		t.Fatalf("expected AUTH_TOKEN_INVALID for alg=none, got %v", err)
	}
}

func TestJWTRequiresPrincipalID(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)
	if _, err := j.Generate(&models.Principal{}); err == nil {
		t.Error("expected error for empty principal id")
	}
	if _, err := j.Generate(nil); err == nil {
		t.Error("expected error for nil principal")
	}
}

func TestJWTNoExpiryWhenZero(t *testing.T) {
	j := NewJWT("test-secret", 0)
	token, err := j.Generate(&models.Principal{ID: "user-42"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := j.Validate(token); err != nil {
		t.Fatalf("zero-expiry token should validate, got %v", err)
	}
}
