// Package creds resolves per-principal provider credentials. Credentials
// are opaque string maps handed to provider sessions and never logged.
package creds

import (
	"context"
	"os"
	"strings"

	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Store looks up the credentials a principal holds for a provider. A
// principal without credentials gets MISSING_CREDENTIALS.
type Store interface {
	Get(ctx context.Context, principal string, provider models.ProviderID) (map[string]string, error)
}

// FromConfig builds the store selected by the credentials section.
func FromConfig(cfg config.CredentialsConfig) (Store, error) {
	switch cfg.Source {
	case "", "static":
		return NewStatic(cfg.Static), nil
	case "env":
		return NewEnv(), nil
	default:
		return nil, models.Errorf(models.CodeValidation, "unknown credentials source %q", cfg.Source)
	}
}

// Available filters candidates down to the providers the principal holds
// credentials for.
func Available(ctx context.Context, store Store, principal string, candidates []models.ProviderID) []models.ProviderID {
	out := make([]models.ProviderID, 0, len(candidates))
	for _, id := range candidates {
		if _, err := store.Get(ctx, principal, id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func missing(principal string, provider models.ProviderID) error {
	return models.NewError(models.CodeMissingCreds, "no credentials for provider").
		WithDetail("provider", string(provider)).
		WithDetail("principal", models.RedactPrincipal(principal))
}

// Static serves credentials from configuration, keyed by principal then
// provider. Useful for single-tenant deployments and tests.
type Static struct {
	byPrincipal map[string]map[string]map[string]string
}

// NewStatic creates a static store over the config map.
func NewStatic(byPrincipal map[string]map[string]map[string]string) *Static {
	if byPrincipal == nil {
		byPrincipal = make(map[string]map[string]map[string]string)
	}
	return &Static{byPrincipal: byPrincipal}
}

func (s *Static) Get(_ context.Context, principal string, provider models.ProviderID) (map[string]string, error) {
	providers, ok := s.byPrincipal[principal]
	if !ok {
		return nil, missing(principal, provider)
	}
	creds, ok := providers[string(provider)]
	if !ok || len(creds) == 0 {
		return nil, missing(principal, provider)
	}

	// Callers get a copy; sessions must not alias config state.
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		out[k] = v
	}
	return out, nil
}

// envPrefix is the leading segment of credential variables, e.g.
// CROSSQUERY_CRED_TICKETS_API_TOKEN.
const envPrefix = "CROSSQUERY_CRED_"

// Env serves one shared credential set per provider from the environment.
// The principal is ignored; the env source is for single-tenant
// deployments.
type Env struct{}

// NewEnv creates an environment-backed store.
func NewEnv() *Env {
	return &Env{}
}

func (e *Env) Get(_ context.Context, principal string, provider models.ProviderID) (map[string]string, error) {
	prefix := envPrefix + providerEnvSegment(provider) + "_"

	out := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		if key == "" {
			continue
		}
		out[key] = value
	}

	if len(out) == 0 {
		return nil, missing(principal, provider)
	}
	return out, nil
}

// providerEnvSegment maps a provider id to its env-var segment; hyphens
// become underscores, so object-store reads CROSSQUERY_CRED_OBJECT_STORE_*.
func providerEnvSegment(provider models.ProviderID) string {
	return strings.ToUpper(strings.ReplaceAll(string(provider), "-", "_"))
}
