package models

// ProviderRelevance scores one provider's fit for a query.
type ProviderRelevance struct {
	Provider   ProviderID `json:"provider_id"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
	// SuggestedApproach hints how the provider should be queried, e.g. which
	// tool family to start with. Free-form, reasoner-facing.
	SuggestedApproach string `json:"suggested_approach,omitempty"`
}

// ExecutionMode selects how fan-out legs are scheduled.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// Plan is the planner's declarative output: which providers to query, in what
// order, and why. Chosen is a prefix of Ranked after confidence filtering and
// the max-sources cap, except when the request pinned explicit sources.
type Plan struct {
	Query       string              `json:"query"`
	Ranked      []ProviderRelevance `json:"ranked,omitempty"`
	Chosen      []ProviderID        `json:"chosen"`
	Mode        ExecutionMode       `json:"mode"`
	Reasoning   string              `json:"reasoning,omitempty"`
	EstimatedMS int64               `json:"estimated_ms,omitempty"`
}
