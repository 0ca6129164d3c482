package creds

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/pkg/models"
)

func TestStatic_Get(t *testing.T) {
	store := NewStatic(map[string]map[string]map[string]string{
		"user-1": {
			"tickets": {"api_token": "tok-123", "base_url": "https://tickets.example.com"},
		},
	})

	creds, err := store.Get(context.Background(), "user-1", models.ProviderTickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds["api_token"] != "tok-123" {
		t.Errorf("expected api_token tok-123, got %q", creds["api_token"])
	}
	if creds["base_url"] != "https://tickets.example.com" {
		t.Errorf("expected base_url to round-trip, got %q", creds["base_url"])
	}
}

func TestStatic_GetReturnsCopy(t *testing.T) {
	backing := map[string]map[string]map[string]string{
		"user-1": {"tickets": {"api_token": "tok-123"}},
	}
	store := NewStatic(backing)

	creds, err := store.Get(context.Background(), "user-1", models.ProviderTickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	creds["api_token"] = "mutated"

	again, err := store.Get(context.Background(), "user-1", models.ProviderTickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again["api_token"] != "tok-123" {
		t.Errorf("store state mutated through returned map: %q", again["api_token"])
	}
}

func TestStatic_MissingPrincipal(t *testing.T) {
	store := NewStatic(map[string]map[string]map[string]string{
		"user-1": {"tickets": {"api_token": "tok-123"}},
	})

	_, err := store.Get(context.Background(), "stranger", models.ProviderTickets)
	if !models.IsCode(err, models.CodeMissingCreds) {
		t.Fatalf("expected MISSING_CREDENTIALS, got %v", err)
	}
}

func TestStatic_MissingProvider(t *testing.T) {
	store := NewStatic(map[string]map[string]map[string]string{
		"user-1": {"tickets": {"api_token": "tok-123"}},
	})

	_, err := store.Get(context.Background(), "user-1", models.ProviderMail)
	if !models.IsCode(err, models.CodeMissingCreds) {
		t.Fatalf("expected MISSING_CREDENTIALS, got %v", err)
	}

	var me *models.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *models.Error, got %T", err)
	}
	if me.Details["provider"] != "mail" {
		t.Errorf("expected provider detail mail, got %v", me.Details["provider"])
	}
}

func TestStatic_RedactsPrincipalInError(t *testing.T) {
	store := NewStatic(nil)

	_, err := store.Get(context.Background(), "user-with-a-long-id", models.ProviderDB)
	var me *models.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *models.Error, got %T", err)
	}
	if me.Details["principal"] != "user-wit" {
		t.Errorf("expected redacted principal user-wit, got %v", me.Details["principal"])
	}
}

func TestEnv_Get(t *testing.T) {
	t.Setenv("CROSSQUERY_CRED_TICKETS_API_TOKEN", "tok-env")
	t.Setenv("CROSSQUERY_CRED_TICKETS_BASE_URL", "https://tickets.internal")
	t.Setenv("CROSSQUERY_CRED_MAIL_API_TOKEN", "other-provider")

	store := NewEnv()
	creds, err := store.Get(context.Background(), "anybody", models.ProviderTickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d: %v", len(creds), creds)
	}
	if creds["api_token"] != "tok-env" {
		t.Errorf("expected api_token tok-env, got %q", creds["api_token"])
	}
	if creds["base_url"] != "https://tickets.internal" {
		t.Errorf("expected base_url, got %q", creds["base_url"])
	}
}

func TestEnv_HyphenatedProvider(t *testing.T) {
	t.Setenv("CROSSQUERY_CRED_OBJECT_STORE_ACCESS_KEY", "ak-1")

	store := NewEnv()
	creds, err := store.Get(context.Background(), "anybody", models.ProviderObjectStore)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds["access_key"] != "ak-1" {
		t.Errorf("expected access_key ak-1, got %q", creds["access_key"])
	}
}

func TestEnv_Missing(t *testing.T) {
	store := NewEnv()

	_, err := store.Get(context.Background(), "anybody", models.ProviderShop)
	if !models.IsCode(err, models.CodeMissingCreds) {
		t.Fatalf("expected MISSING_CREDENTIALS, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	store, err := FromConfig(config.CredentialsConfig{Source: "static"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*Static); !ok {
		t.Errorf("expected *Static, got %T", store)
	}

	store, err = FromConfig(config.CredentialsConfig{Source: "env"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*Env); !ok {
		t.Errorf("expected *Env, got %T", store)
	}

	// Empty source keeps the static default.
	store, err = FromConfig(config.CredentialsConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*Static); !ok {
		t.Errorf("expected *Static for empty source, got %T", store)
	}

	if _, err := FromConfig(config.CredentialsConfig{Source: "vault"}); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for unknown source, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	store := NewStatic(map[string]map[string]map[string]string{
		"user-1": {
			"tickets": {"api_token": "a"},
			"mail":    {"api_token": "b"},
		},
	})

	got := Available(context.Background(), store, "user-1", []models.ProviderID{
		models.ProviderTickets, models.ProviderShop, models.ProviderMail,
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 available providers, got %v", got)
	}
	if got[0] != models.ProviderTickets || got[1] != models.ProviderMail {
		t.Errorf("expected candidate order preserved, got %v", got)
	}
}
