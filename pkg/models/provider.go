package models

import (
	"encoding/json"
	"time"
)

// ProviderID names one external data provider from the closed set the
// orchestrator knows how to query.
type ProviderID string

const (
	ProviderTickets     ProviderID = "tickets"
	ProviderChat        ProviderID = "chat"
	ProviderObjectStore ProviderID = "object-store"
	ProviderMail        ProviderID = "mail"
	ProviderDB          ProviderID = "db"
	ProviderCodeHost    ProviderID = "code-host"
	ProviderShop        ProviderID = "shop"
)

// KnownProviders returns the closed set of provider ids in stable order.
func KnownProviders() []ProviderID {
	return []ProviderID{
		ProviderTickets,
		ProviderChat,
		ProviderObjectStore,
		ProviderMail,
		ProviderDB,
		ProviderCodeHost,
		ProviderShop,
	}
}

// IsKnownProvider reports whether id belongs to the closed provider set.
func IsKnownProvider(id ProviderID) bool {
	for _, p := range KnownProviders() {
		if p == id {
			return true
		}
	}
	return false
}

// Provider is the immutable identity of one external data source.
type Provider struct {
	ID          ProviderID `json:"id"`
	DisplayName string     `json:"display_name"`
	Enabled     bool       `json:"enabled"`
	// Priority breaks relevance ties; higher wins.
	Priority int `json:"priority,omitempty"`
}

// ToolDescriptor describes one operation a provider connector exposes.
// InputSchema is a JSON Schema object kept raw; it is compiled on demand when
// arguments are validated.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolResult is the outcome of one tool invocation through the gateway.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// Cached is true when the result was served from the results namespace
	// without touching the connector.
	Cached      bool   `json:"cached,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	ErrorCode   Code   `json:"error_code,omitempty"`
	Fingerprint string `json:"-"`
}

// ToolCallRecord captures one attempt against a provider tool, whether it was
// served from cache, and how it ended.
type ToolCallRecord struct {
	Provider    ProviderID `json:"provider_id"`
	Tool        string     `json:"tool_name"`
	Fingerprint string     `json:"request_fingerprint"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	Cached      bool       `json:"cached"`
	Succeeded   bool       `json:"succeeded"`
	ErrorCode   Code       `json:"error_code,omitempty"`
}
