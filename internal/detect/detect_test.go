package detect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/pkg/models"
)

type fakeCatalog struct {
	defs []*connector.Definition
}

func (f *fakeCatalog) Enabled() []*connector.Definition { return f.defs }

type fakeRanker struct {
	mu         sync.Mutex
	calls      int
	queries    []string
	candidates [][]models.Provider
	ranked     []models.ProviderRelevance
	err        error
}

func (f *fakeRanker) Rank(ctx context.Context, query string, candidates []models.Provider) ([]models.ProviderRelevance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queries = append(f.queries, query)
	f.candidates = append(f.candidates, candidates)
	return f.ranked, f.err
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{defs: []*connector.Definition{
		{
			ID:          models.ProviderTickets,
			DisplayName: "Ticket Tracker",
			Priority:    10,
			Keywords:    map[string]float64{"bug": 0.5, "sprint": 0.4, "ticket": 0.6},
		},
		{
			ID:          models.ProviderChat,
			DisplayName: "Team Chat",
			Priority:    5,
			Keywords:    map[string]float64{"message": 0.5, "channel": 0.4, "thread": 0.3},
		},
		{
			ID:          models.ProviderMail,
			DisplayName: "Mail",
			Priority:    5,
			Keywords:    map[string]float64{"email": 0.6, "inbox": 0.4},
		},
	}}
}

func TestDetect_KeywordFastPath(t *testing.T) {
	d := New(testCatalog(), Options{})

	got, err := d.Detect(context.Background(), "any open bug in this sprint?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 relevance, got %d: %+v", len(got), got)
	}
	if got[0].Provider != models.ProviderTickets {
		t.Errorf("expected tickets, got %s", got[0].Provider)
	}
	if got[0].Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", got[0].Confidence)
	}
	if got[0].Reasoning != "matched terms {bug, sprint}" {
		t.Errorf("unexpected reasoning: %q", got[0].Reasoning)
	}
}

func TestDetect_OrdersByConfidence(t *testing.T) {
	d := New(testCatalog(), Options{})

	got, err := d.Detect(context.Background(), "search email and every bug report", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 relevances, got %d: %+v", len(got), got)
	}
	if got[0].Provider != models.ProviderMail || got[1].Provider != models.ProviderTickets {
		t.Errorf("expected mail then tickets, got %s then %s", got[0].Provider, got[1].Provider)
	}
}

func TestDetect_CapsConfidenceAtOne(t *testing.T) {
	d := New(testCatalog(), Options{})

	got, err := d.Detect(context.Background(), "ticket about a bug in the sprint board", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 relevance, got %d", len(got))
	}
	if got[0].Confidence != 1 {
		t.Errorf("expected confidence capped at 1, got %v", got[0].Confidence)
	}
}

func TestDetect_RefinesWhenFewConfident(t *testing.T) {
	ranker := &fakeRanker{ranked: []models.ProviderRelevance{
		{Provider: models.ProviderChat, Confidence: 0.8, Reasoning: "discussion likely in chat"},
	}}
	d := New(testCatalog(), Options{Ranker: ranker})

	got, err := d.Detect(context.Background(), "who decided to ship the bug fix early?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ranker.calls != 1 {
		t.Fatalf("expected 1 rank call, got %d", ranker.calls)
	}
	if len(ranker.candidates[0]) != 3 {
		t.Errorf("expected 3 rank candidates, got %d", len(ranker.candidates[0]))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 relevances, got %d: %+v", len(got), got)
	}
	if got[0].Provider != models.ProviderChat || got[0].Confidence != 0.8 {
		t.Errorf("expected chat at 0.8 first, got %s at %v", got[0].Provider, got[0].Confidence)
	}
	if got[1].Provider != models.ProviderTickets {
		t.Errorf("expected tickets second, got %s", got[1].Provider)
	}
}

func TestDetect_SkipsRefinementWhenConfident(t *testing.T) {
	ranker := &fakeRanker{}
	d := New(testCatalog(), Options{Ranker: ranker})

	_, err := d.Detect(context.Background(), "find the bug email", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ranker.calls != 0 {
		t.Errorf("expected no rank calls, got %d", ranker.calls)
	}
}

func TestDetect_DedupeKeepsHighestConfidence(t *testing.T) {
	ranker := &fakeRanker{ranked: []models.ProviderRelevance{
		{Provider: models.ProviderTickets, Confidence: 0.9, Reasoning: "tracker holds incident tickets"},
	}}
	d := New(testCatalog(), Options{Ranker: ranker})

	got, err := d.Detect(context.Background(), "latest sprint status", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 relevance after dedupe, got %d: %+v", len(got), got)
	}
	if got[0].Confidence != 0.9 {
		t.Errorf("expected refined confidence 0.9, got %v", got[0].Confidence)
	}
	if got[0].Reasoning != "tracker holds incident tickets" {
		t.Errorf("expected refined reasoning to win, got %q", got[0].Reasoning)
	}
}

func TestDetect_RankerErrorKeepsKeywordScores(t *testing.T) {
	ranker := &fakeRanker{err: errors.New("backend down")}
	d := New(testCatalog(), Options{Ranker: ranker})

	got, err := d.Detect(context.Background(), "sprint report", nil)
	if err != nil {
		t.Fatalf("expected degraded result, got error: %v", err)
	}
	if len(got) != 1 || got[0].Provider != models.ProviderTickets {
		t.Fatalf("expected keyword score for tickets, got %+v", got)
	}
}

func TestDetect_ContextErrorPropagates(t *testing.T) {
	ranker := &fakeRanker{err: context.Canceled}
	d := New(testCatalog(), Options{Ranker: ranker})

	_, err := d.Detect(context.Background(), "sprint report", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDetect_TieBreakPriorityThenID(t *testing.T) {
	catalog := &fakeCatalog{defs: []*connector.Definition{
		{ID: models.ProviderChat, Priority: 5, Keywords: map[string]float64{"report": 0.6}},
		{ID: models.ProviderTickets, Priority: 10, Keywords: map[string]float64{"report": 0.6}},
		{ID: models.ProviderMail, Priority: 5, Keywords: map[string]float64{"report": 0.6}},
	}}
	d := New(catalog, Options{})

	got, err := d.Detect(context.Background(), "report", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.ProviderID{models.ProviderTickets, models.ProviderChat, models.ProviderMail}
	if len(got) != len(want) {
		t.Fatalf("expected %d relevances, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].Provider != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].Provider)
		}
	}
}

func TestDetect_AvailableFilters(t *testing.T) {
	ranker := &fakeRanker{}
	d := New(testCatalog(), Options{Ranker: ranker})

	got, err := d.Detect(context.Background(), "find the bug email", []models.ProviderID{models.ProviderMail})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Provider != models.ProviderMail {
		t.Fatalf("expected only mail, got %+v", got)
	}
	if ranker.calls != 1 {
		t.Fatalf("expected refinement with one confident candidate, got %d calls", ranker.calls)
	}
	if len(ranker.candidates[0]) != 1 || ranker.candidates[0][0].ID != models.ProviderMail {
		t.Errorf("expected rank candidates limited to mail, got %+v", ranker.candidates[0])
	}
}

func TestDetect_EmptyCatalog(t *testing.T) {
	d := New(&fakeCatalog{}, Options{Ranker: &fakeRanker{}})

	got, err := d.Detect(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil relevances, got %+v", got)
	}
}

func TestDetectMultiSource(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantMulti bool
		reasoning string
	}{
		{
			name:      "two confident providers",
			query:     "find the bug email",
			wantMulti: true,
			reasoning: "2 providers reached the confidence threshold",
		},
		{
			name:      "one confident provider",
			query:     "any open bug?",
			wantMulti: false,
			reasoning: "only tickets reached the confidence threshold",
		},
		{
			name:      "no confident provider",
			query:     "completely unrelated",
			wantMulti: false,
			reasoning: "no provider reached the confidence threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(testCatalog(), Options{})
			got, err := d.DetectMultiSource(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.IsMultiSource != tt.wantMulti {
				t.Errorf("expected is_multi_source=%v, got %v", tt.wantMulti, got.IsMultiSource)
			}
			if got.Reasoning != tt.reasoning {
				t.Errorf("expected reasoning %q, got %q", tt.reasoning, got.Reasoning)
			}
			if len(got.Suggested) == 0 && tt.wantMulti {
				t.Error("expected suggestions for multi-source query")
			}
		})
	}
}

func TestSuggest_Truncates(t *testing.T) {
	d := New(testCatalog(), Options{})

	got, err := d.Suggest(context.Background(), "search email and every bug report", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(got))
	}
	if got[0].Provider != models.ProviderMail {
		t.Errorf("expected top suggestion mail, got %s", got[0].Provider)
	}
}

func TestScoreKeywords(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		keywords map[string]float64
		want     float64
		matched  string
	}{
		{
			name:     "token match ignores case and punctuation",
			query:    "Any BUG, anywhere?",
			keywords: map[string]float64{"bug": 0.5},
			want:     0.5,
			matched:  "bug",
		},
		{
			name:     "no match inside larger word",
			query:    "debugging the build",
			keywords: map[string]float64{"bug": 0.5},
			want:     0,
		},
		{
			name:     "phrase matches as substring",
			query:    "review the pull request backlog",
			keywords: map[string]float64{"pull request": 0.7},
			want:     0.7,
			matched:  "pull request",
		},
		{
			name:     "hyphenated token",
			query:    "check the ci-pipeline run",
			keywords: map[string]float64{"ci-pipeline": 0.6},
			want:     0.6,
			matched:  "ci-pipeline",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, matched := scoreKeywords(tt.query, tt.keywords)
			if got != tt.want {
				t.Errorf("expected score %v, got %v", tt.want, got)
			}
			if joined := strings.Join(matched, ", "); joined != tt.matched {
				t.Errorf("expected matched %q, got %q", tt.matched, joined)
			}
		})
	}
}
