package models

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// MaxQueryLen bounds the query body; anything longer is rejected before
	// planning.
	MaxQueryLen = 100000

	// DefaultConfidenceThreshold filters the ranked provider list.
	DefaultConfidenceThreshold = 0.5

	// DefaultMaxSources caps how many providers one request fans out to.
	DefaultMaxSources = 3

	// MaxSourcesLimit is the hard upper bound for max_sources.
	MaxSourcesLimit = 5
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// MultiSourceRequest is the orchestrator's input. Optional numeric fields use
// pointers so an absent value and an explicit zero stay distinguishable.
type MultiSourceRequest struct {
	Query               string       `json:"query"`
	Sources             []ProviderID `json:"sources,omitempty"`
	SessionID           string       `json:"session_id,omitempty"`
	ConfidenceThreshold *float64     `json:"confidence_threshold,omitempty"`
	MaxSources          int          `json:"max_sources,omitempty"`
	IncludePlan         *bool        `json:"include_plan,omitempty"`
}

// Validate checks field bounds and returns a VALIDATION_ERROR naming the
// offending field. It does not mutate the request.
func (r *MultiSourceRequest) Validate() error {
	if r.Query == "" {
		return NewError(CodeValidation, "query is required").WithDetail("field", "query")
	}
	if len(r.Query) > MaxQueryLen {
		return Errorf(CodeValidation, "query exceeds %d characters", MaxQueryLen).
			WithDetail("field", "query").
			WithDetail("length", len(r.Query))
	}
	if r.SessionID != "" && !sessionIDPattern.MatchString(r.SessionID) {
		return NewError(CodeValidation, "session_id must match [A-Za-z0-9-]{8,64}").
			WithDetail("field", "session_id")
	}
	if r.ConfidenceThreshold != nil {
		if t := *r.ConfidenceThreshold; t < 0 || t > 1 {
			return Errorf(CodeValidation, "confidence_threshold must be in [0,1], got %v", t).
				WithDetail("field", "confidence_threshold")
		}
	}
	if r.MaxSources != 0 && (r.MaxSources < 1 || r.MaxSources > MaxSourcesLimit) {
		return Errorf(CodeValidation, "max_sources must be in [1,%d], got %d", MaxSourcesLimit, r.MaxSources).
			WithDetail("field", "max_sources")
	}
	for _, s := range r.Sources {
		if !IsKnownProvider(s) {
			return Errorf(CodeInvalidProvider, "unknown provider %q", s).
				WithDetail("field", "sources").
				WithDetail("provider_id", string(s))
		}
	}
	return nil
}

// Threshold returns the effective confidence threshold.
func (r *MultiSourceRequest) Threshold() float64 {
	if r.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *r.ConfidenceThreshold
}

// SourceCap returns the effective max_sources.
func (r *MultiSourceRequest) SourceCap() int {
	if r.MaxSources == 0 {
		return DefaultMaxSources
	}
	return r.MaxSources
}

// WantsPlan reports whether the response should embed the plan.
func (r *MultiSourceRequest) WantsPlan() bool {
	return r.IncludePlan == nil || *r.IncludePlan
}

// ResponseStatus is the three-way outcome of a multi-source request.
type ResponseStatus string

const (
	StatusCompleted ResponseStatus = "completed"
	StatusPartial   ResponseStatus = "partial"
	StatusFailed    ResponseStatus = "failed"
)

// StatusFor derives the response status from leg outcomes: completed when
// nothing failed, failed when nothing succeeded, partial otherwise.
func StatusFor(succeeded, failed int) ResponseStatus {
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// MultiSourceResponse is the orchestrator's synchronous output.
type MultiSourceResponse struct {
	Response          string              `json:"response"`
	SessionID         string              `json:"session_id"`
	Status            ResponseStatus      `json:"status"`
	Plan              *Plan               `json:"plan,omitempty"`
	SourceResults     []SourceQueryResult `json:"source_results,omitempty"`
	SuccessfulSources []ProviderID        `json:"successful_sources"`
	FailedSources     []ProviderID        `json:"failed_sources"`
	TotalDurationMS   int64               `json:"total_duration_ms"`
	CompletedAt       time.Time           `json:"completed_at"`
}

// DetectResponse answers the detection endpoint.
type DetectResponse struct {
	IsMultiSource bool                 `json:"is_multi_source"`
	Suggested     []ProviderSuggestion `json:"suggested"`
	Reasoning     string               `json:"reasoning,omitempty"`
}

// ProviderSuggestion is the compact (provider, confidence) pair used by
// detection responses.
type ProviderSuggestion struct {
	Provider   ProviderID `json:"provider_id"`
	Confidence float64    `json:"confidence"`
}

// String renders a suggestion for logs.
func (s ProviderSuggestion) String() string {
	return fmt.Sprintf("%s:%.2f", s.Provider, s.Confidence)
}
