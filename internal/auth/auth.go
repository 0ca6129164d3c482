// Package auth resolves the principal behind each request. Two credential
// shapes are accepted: HS256 JWTs for user traffic and static API keys for
// service traffic. When neither is configured the server runs open and every
// request executes as the anonymous principal.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Service validates JWTs and API keys and maps them to principals.
type Service struct {
	jwt     *JWT
	apiKeys map[string]*models.Principal
}

// FromConfig builds the auth service from the auth config section. A nil
// return means auth is disabled.
func FromConfig(cfg config.AuthConfig) *Service {
	if !cfg.Enabled {
		return nil
	}
	s := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.jwt = NewJWT(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return s
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// Authenticate resolves the principal for an HTTP request. Credentials are
// read from the Authorization bearer header, the X-API-Key header, or the
// access_token/api_key query parameters (EventSource cannot set headers).
// A disabled service authenticates everything as anonymous.
func (s *Service) Authenticate(r *http.Request) (*models.Principal, error) {
	if !s.Enabled() {
		return models.Anonymous(), nil
	}
	if token := bearerToken(r); token != "" {
		return s.ValidateToken(token)
	}
	if key := apiKey(r); key != "" {
		return s.ValidateAPIKey(key)
	}
	return nil, models.NewError(models.CodeAuthTokenMissing, "missing credentials")
}

// GenerateToken issues a signed JWT for the given principal.
func (s *Service) GenerateToken(p *models.Principal) (string, error) {
	if s == nil || s.jwt == nil {
		return "", models.NewError(models.CodeInternal, "jwt signing not configured")
	}
	return s.jwt.Generate(p)
}

// ValidateToken validates a JWT and returns the principal embedded in it.
func (s *Service) ValidateToken(token string) (*models.Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "token auth not configured")
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated principal.
// All configured keys are compared in constant time so timing cannot reveal
// which prefixes exist.
func (s *Service) ValidateAPIKey(key string) (*models.Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "api key auth not configured")
	}
	input := []byte(strings.TrimSpace(key))
	var matched *models.Principal
	for stored, principal := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, []byte(stored)) == 1 {
			matched = principal
		}
	}
	if matched == nil {
		return nil, models.NewError(models.CodeAuthTokenInvalid, "invalid api key")
	}
	return matched, nil
}

func buildAPIKeyMap(keys map[string]string) map[string]*models.Principal {
	out := make(map[string]*models.Principal, len(keys))
	for key, principalID := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		id := strings.TrimSpace(principalID)
		if id == "" {
			sum := sha256.Sum256([]byte(key))
			id = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.Principal{ID: id}
	}
	return out
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func apiKey(r *http.Request) string {
	for _, header := range []string{"X-API-Key", "Api-Key"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
