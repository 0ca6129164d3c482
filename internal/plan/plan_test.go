package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

func rankedFixture() []models.ProviderRelevance {
	return []models.ProviderRelevance{
		{Provider: models.ProviderMail, Confidence: 0.9},
		{Provider: models.ProviderTickets, Confidence: 0.6},
		{Provider: models.ProviderDB, Confidence: 0.55},
		{Provider: models.ProviderChat, Confidence: 0.4},
	}
}

func configuredFixture() []models.ProviderID {
	return []models.ProviderID{
		models.ProviderTickets,
		models.ProviderChat,
		models.ProviderMail,
		models.ProviderDB,
	}
}

func TestBuild_FromRanked(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{Query: "where did the invoice go?"}

	got, err := p.Build(req, rankedFixture(), configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.ProviderID{models.ProviderMail, models.ProviderTickets, models.ProviderDB}
	if len(got.Chosen) != len(want) {
		t.Fatalf("expected %d chosen, got %d: %v", len(want), len(got.Chosen), got.Chosen)
	}
	for i, id := range want {
		if got.Chosen[i] != id {
			t.Errorf("chosen[%d]: expected %s, got %s", i, id, got.Chosen[i])
		}
	}
	if got.Mode != models.ModeParallel {
		t.Errorf("expected parallel mode, got %s", got.Mode)
	}
	if got.Query != req.Query {
		t.Errorf("expected query carried into plan, got %q", got.Query)
	}
	if len(got.Ranked) != 4 {
		t.Errorf("expected ranked list embedded, got %d entries", len(got.Ranked))
	}
	if got.Reasoning != "3 of 4 ranked providers at or above confidence 0.50" {
		t.Errorf("unexpected reasoning: %q", got.Reasoning)
	}
}

func TestBuild_CapsAtMaxSources(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{Query: "q", MaxSources: 2}

	got, err := p.Build(req, rankedFixture(), configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Chosen) != 2 {
		t.Fatalf("expected 2 chosen, got %d", len(got.Chosen))
	}
	if got.Chosen[0] != models.ProviderMail || got.Chosen[1] != models.ProviderTickets {
		t.Errorf("expected top two by rank order, got %v", got.Chosen)
	}
}

func TestBuild_CustomThreshold(t *testing.T) {
	p := New(Options{})
	threshold := 0.8
	req := &models.MultiSourceRequest{Query: "q", ConfidenceThreshold: &threshold}

	got, err := p.Build(req, rankedFixture(), configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Chosen) != 1 || got.Chosen[0] != models.ProviderMail {
		t.Errorf("expected only mail above 0.8, got %v", got.Chosen)
	}
}

func TestBuild_NothingAboveThresholdFails(t *testing.T) {
	p := New(Options{})
	threshold := 0.95
	req := &models.MultiSourceRequest{Query: "q", ConfidenceThreshold: &threshold}

	_, err := p.Build(req, rankedFixture(), configuredFixture())
	if !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBuild_PinnedSources(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderChat, models.ProviderTickets},
	}

	got, err := p.Build(req, nil, configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Chosen) != 2 || got.Chosen[0] != models.ProviderChat || got.Chosen[1] != models.ProviderTickets {
		t.Errorf("expected request order preserved, got %v", got.Chosen)
	}
	if !strings.Contains(got.Reasoning, "pinned to requested sources: chat, tickets") {
		t.Errorf("unexpected reasoning: %q", got.Reasoning)
	}
}

func TestBuild_PinnedSkipsUnconfigured(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderDB, models.ProviderTickets},
	}

	got, err := p.Build(req, nil, []models.ProviderID{models.ProviderTickets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Chosen) != 1 || got.Chosen[0] != models.ProviderTickets {
		t.Errorf("expected only tickets, got %v", got.Chosen)
	}
	if !strings.Contains(got.Reasoning, "skipped unconfigured: db") {
		t.Errorf("expected reasoning to name the skipped source, got %q", got.Reasoning)
	}
}

func TestBuild_PinnedAllUnconfiguredFails(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderDB},
	}

	_, err := p.Build(req, nil, []models.ProviderID{models.ProviderTickets})
	if !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBuild_PinnedUnknownProvider(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{"crm"},
	}

	_, err := p.Build(req, nil, configuredFixture())
	if !models.IsCode(err, models.CodeInvalidProvider) {
		t.Fatalf("expected INVALID_PROVIDER, got %v", err)
	}
}

func TestBuild_PinnedDedupes(t *testing.T) {
	p := New(Options{})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderTickets, models.ProviderTickets},
	}

	got, err := p.Build(req, nil, configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Chosen) != 1 {
		t.Errorf("expected duplicate source collapsed, got %v", got.Chosen)
	}
}

func TestBuild_EstimateUsesSlowestMedian(t *testing.T) {
	tracker := observability.NewLatencyTracker()
	tracker.Record("tickets", 2*time.Second)
	tracker.Record("tickets", 2*time.Second)
	tracker.Record("mail", 250*time.Millisecond)
	p := New(Options{Latency: tracker})

	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderTickets, models.ProviderMail},
	}
	got, err := p.Build(req, nil, configuredFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.EstimatedMS != 2000 {
		t.Errorf("expected estimate 2000ms, got %d", got.EstimatedMS)
	}
}

func TestBuild_EstimateFallsBackWithoutSamples(t *testing.T) {
	p := New(Options{LegEstimate: 500 * time.Millisecond})
	req := &models.MultiSourceRequest{
		Query:   "q",
		Sources: []models.ProviderID{models.ProviderShop},
	}

	got, err := p.Build(req, nil, []models.ProviderID{models.ProviderShop})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.EstimatedMS != 500 {
		t.Errorf("expected fallback estimate 500ms, got %d", got.EstimatedMS)
	}
}
