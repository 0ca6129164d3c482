// Package detect scores provider relevance for a query. A weighted keyword
// fast path runs against every enabled provider's declared keyword set; when
// it leaves fewer than two confident candidates the reasoner refines the
// ranking. Detection is best-effort: a failed refinement degrades to the
// keyword scores rather than failing the request.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// MultiSourceThreshold is the confidence a provider must reach to count
// toward multi-source detection and refinement sufficiency.
const MultiSourceThreshold = models.DefaultConfidenceThreshold

// Catalog lists the enabled provider definitions to score against.
// *connector.Registry satisfies it.
type Catalog interface {
	Enabled() []*connector.Definition
}

// Ranker refines provider relevance with the reasoner. *reasoner.Reasoner
// satisfies it.
type Ranker interface {
	Rank(ctx context.Context, query string, candidates []models.Provider) ([]models.ProviderRelevance, error)
}

// Detector scores queries against the provider catalog.
type Detector struct {
	catalog Catalog
	ranker  Ranker
	logger  *observability.Logger
}

// Options configures a Detector. Ranker may be nil; detection then runs on
// keywords alone.
type Options struct {
	Ranker Ranker
	Logger *observability.Logger
}

// New builds a Detector over the catalog.
func New(catalog Catalog, opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Detector{catalog: catalog, ranker: opts.Ranker, logger: logger}
}

// Detect returns provider relevances for the query, ordered by confidence
// descending, then declared priority, then id. available narrows scoring to
// the given providers; nil means every enabled provider.
func (d *Detector) Detect(ctx context.Context, query string, available []models.ProviderID) ([]models.ProviderRelevance, error) {
	defs := d.candidates(available)
	if len(defs) == 0 {
		return nil, nil
	}

	scores := make([]models.ProviderRelevance, 0, len(defs))
	for _, def := range defs {
		conf, matched := scoreKeywords(query, def.Keywords)
		if conf <= 0 {
			continue
		}
		scores = append(scores, models.ProviderRelevance{
			Provider:   def.ID,
			Confidence: conf,
			Reasoning:  fmt.Sprintf("matched terms {%s}", strings.Join(matched, ", ")),
		})
	}

	if countConfident(scores) < 2 && d.ranker != nil {
		ranked, err := d.ranker.Rank(ctx, query, providersOf(defs))
		switch {
		case err == nil:
			scores = append(scores, ranked...)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			d.logger.Warn(ctx, "rank refinement failed, keeping keyword scores", "error", err)
		}
	}

	scores = dedupe(scores)
	sortRelevances(scores, priorityIndex(defs))
	return scores, nil
}

// DetectMultiSource reports whether the query spans several providers: true
// when at least two score at or above the threshold.
func (d *Detector) DetectMultiSource(ctx context.Context, query string) (*models.DetectResponse, error) {
	ranked, err := d.Detect(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	confident := countConfident(ranked)
	resp := &models.DetectResponse{
		IsMultiSource: confident >= 2,
		Suggested:     make([]models.ProviderSuggestion, 0, len(ranked)),
	}
	for _, r := range ranked {
		resp.Suggested = append(resp.Suggested, models.ProviderSuggestion{
			Provider:   r.Provider,
			Confidence: r.Confidence,
		})
	}
	switch confident {
	case 0:
		resp.Reasoning = "no provider reached the confidence threshold"
	case 1:
		resp.Reasoning = fmt.Sprintf("only %s reached the confidence threshold", ranked[0].Provider)
	default:
		resp.Reasoning = fmt.Sprintf("%d providers reached the confidence threshold", confident)
	}
	return resp, nil
}

// Suggest returns at most max relevances for the query.
func (d *Detector) Suggest(ctx context.Context, query string, max int) ([]models.ProviderRelevance, error) {
	ranked, err := d.Detect(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	return ranked, nil
}

func (d *Detector) candidates(available []models.ProviderID) []*connector.Definition {
	defs := d.catalog.Enabled()
	if available == nil {
		return defs
	}
	allowed := make(map[models.ProviderID]bool, len(available))
	for _, id := range available {
		allowed[id] = true
	}
	out := make([]*connector.Definition, 0, len(defs))
	for _, def := range defs {
		if allowed[def.ID] {
			out = append(out, def)
		}
	}
	return out
}

// scoreKeywords sums the weights of matched keywords, capped at 1. Single
// words match against query tokens; phrases match as substrings. Matched
// terms come back sorted so reasoning strings are stable.
func scoreKeywords(query string, keywords map[string]float64) (float64, []string) {
	if len(keywords) == 0 {
		return 0, nil
	}
	q := strings.ToLower(query)
	tokens := tokenize(q)

	var total float64
	var matched []string
	for kw, weight := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		hit := false
		if strings.ContainsRune(k, ' ') {
			hit = strings.Contains(q, k)
		} else {
			hit = tokens[k]
		}
		if hit {
			total += weight
			matched = append(matched, k)
		}
	}
	if total > 1 {
		total = 1
	}
	sort.Strings(matched)
	return total, matched
}

func tokenize(q string) map[string]bool {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}

// dedupe keeps the highest-confidence entry per provider; ties keep the
// earlier entry, so keyword reasoning survives an equal refinement score.
func dedupe(scores []models.ProviderRelevance) []models.ProviderRelevance {
	best := make(map[models.ProviderID]int, len(scores))
	out := scores[:0]
	for _, s := range scores {
		if i, ok := best[s.Provider]; ok {
			if s.Confidence > out[i].Confidence {
				out[i] = s
			}
			continue
		}
		best[s.Provider] = len(out)
		out = append(out, s)
	}
	return out
}

func sortRelevances(scores []models.ProviderRelevance, priority map[models.ProviderID]int) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if pa, pb := priority[a.Provider], priority[b.Provider]; pa != pb {
			return pa > pb
		}
		return a.Provider < b.Provider
	})
}

func priorityIndex(defs []*connector.Definition) map[models.ProviderID]int {
	out := make(map[models.ProviderID]int, len(defs))
	for _, def := range defs {
		out[def.ID] = def.Priority
	}
	return out
}

func providersOf(defs []*connector.Definition) []models.Provider {
	out := make([]models.Provider, len(defs))
	for i, def := range defs {
		out[i] = models.Provider{
			ID:          def.ID,
			DisplayName: def.DisplayName,
			Enabled:     true,
			Priority:    def.Priority,
		}
	}
	return out
}

func countConfident(scores []models.ProviderRelevance) int {
	n := 0
	for _, s := range scores {
		if s.Confidence >= MultiSourceThreshold {
			n++
		}
	}
	return n
}
