package models

import "time"

// SourceQueryResult is the outcome of one fan-out leg. Exactly one is
// produced per provider in Plan.Chosen, in plan order, whether the leg
// succeeded or not.
type SourceQueryResult struct {
	Provider  ProviderID `json:"provider_id"`
	Succeeded bool       `json:"succeeded"`
	// Summary is the leg's terminal answer, trimmed.
	Summary string `json:"summary,omitempty"`
	// Payload carries raw provider output, opaque to the orchestrator and
	// size-capped at the gateway.
	Payload     string           `json:"payload,omitempty"`
	ToolsCalled []string         `json:"tools_called,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	CompletedAt time.Time        `json:"completed_at"`
	ErrorCode   Code             `json:"error_code,omitempty"`
	ErrorMsg    string           `json:"error_message,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
}
