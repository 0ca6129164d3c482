// Package plan turns detector output and request constraints into an
// execution plan: which providers to query, in what order, and why.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// defaultLegEstimate stands in for providers with no recorded latency yet.
const defaultLegEstimate = 10 * time.Second

// Planner builds plans from ranked providers and request constraints.
type Planner struct {
	latency  *observability.LatencyTracker
	logger   *observability.Logger
	estimate time.Duration
}

// Options configures a Planner. Latency should be the tracker the executor
// records leg durations into, so estimates reflect real history.
type Options struct {
	Latency *observability.LatencyTracker
	Logger  *observability.Logger
	// LegEstimate replaces defaultLegEstimate for providers without samples.
	LegEstimate time.Duration
}

// New builds a Planner.
func New(opts Options) *Planner {
	latency := opts.Latency
	if latency == nil {
		latency = observability.NewLatencyTracker()
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	estimate := opts.LegEstimate
	if estimate <= 0 {
		estimate = defaultLegEstimate
	}
	return &Planner{latency: latency, logger: logger, estimate: estimate}
}

// Build produces the plan for a request. When the request pins sources the
// plan follows them in request order, intersected with the configured set;
// otherwise the ranked list is filtered by the confidence threshold and
// capped at max_sources. An empty selection is a VALIDATION_ERROR.
func (p *Planner) Build(req *models.MultiSourceRequest, ranked []models.ProviderRelevance, configured []models.ProviderID) (*models.Plan, error) {
	var (
		chosen    []models.ProviderID
		reasoning string
		err       error
	)
	if len(req.Sources) > 0 {
		chosen, reasoning, err = p.pinned(req.Sources, configured)
	} else {
		chosen, reasoning = p.fromRanked(ranked, req.Threshold(), req.SourceCap())
	}
	if err != nil {
		return nil, err
	}
	if len(chosen) == 0 {
		if len(req.Sources) > 0 {
			return nil, models.NewError(models.CodeValidation, "none of the requested sources are configured").
				WithDetail("field", "sources")
		}
		return nil, models.Errorf(models.CodeValidation, "no provider met confidence threshold %.2f", req.Threshold()).
			WithDetail("threshold", req.Threshold())
	}

	return &models.Plan{
		Query:       req.Query,
		Ranked:      ranked,
		Chosen:      chosen,
		Mode:        models.ModeParallel,
		Reasoning:   reasoning,
		EstimatedMS: p.estimateFor(chosen).Milliseconds(),
	}, nil
}

// pinned intersects the requested sources with the configured set, keeping
// request order. Providers outside the closed set are INVALID_PROVIDER even
// here; request validation normally catches them first.
func (p *Planner) pinned(sources, configured []models.ProviderID) ([]models.ProviderID, string, error) {
	enabled := make(map[models.ProviderID]bool, len(configured))
	for _, id := range configured {
		enabled[id] = true
	}

	var chosen, skipped []models.ProviderID
	seen := make(map[models.ProviderID]bool, len(sources))
	for _, s := range sources {
		if !models.IsKnownProvider(s) {
			return nil, "", models.Errorf(models.CodeInvalidProvider, "unknown provider %q", s).
				WithDetail("field", "sources").
				WithDetail("provider_id", string(s))
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		if enabled[s] {
			chosen = append(chosen, s)
		} else {
			skipped = append(skipped, s)
		}
	}

	reasoning := "pinned to requested sources: " + joinIDs(chosen)
	if len(skipped) > 0 {
		reasoning += " (skipped unconfigured: " + joinIDs(skipped) + ")"
	}
	return chosen, reasoning, nil
}

func (p *Planner) fromRanked(ranked []models.ProviderRelevance, threshold float64, cap int) ([]models.ProviderID, string) {
	chosen := make([]models.ProviderID, 0, cap)
	for _, r := range ranked {
		if r.Confidence < threshold {
			continue
		}
		chosen = append(chosen, r.Provider)
		if len(chosen) == cap {
			break
		}
	}
	reasoning := fmt.Sprintf("%d of %d ranked providers at or above confidence %.2f",
		len(chosen), len(ranked), threshold)
	return chosen, reasoning
}

// estimateFor predicts wall time for a parallel plan: the slowest leg
// dominates, so take the largest per-provider median.
func (p *Planner) estimateFor(chosen []models.ProviderID) time.Duration {
	ids := make([]string, len(chosen))
	for i, id := range chosen {
		ids[i] = string(id)
	}
	return p.latency.MaxMedian(ids, p.estimate)
}

func joinIDs(ids []models.ProviderID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
