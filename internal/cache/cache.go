// Package cache provides the pluggable KV layer backing the tool gateway:
// an in-process LRU store with per-entry TTLs by default, an optional Redis
// backend for shared deployments, and namespaced views with pinned TTLs for
// tool descriptors, call results, schemas, and sessions.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is the capability set every backend implements. Implementations are
// safe for concurrent use; lookups never return expired entries.
type Cache interface {
	// Get returns the value for key, or false when absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key for ttl. A non-positive ttl falls back to
	// the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key if present.
	Delete(ctx context.Context, key string)

	// Exists reports whether key holds an unexpired entry.
	Exists(ctx context.Context, key string) bool

	// Clear drops every entry.
	Clear(ctx context.Context)

	// Stats returns a snapshot of hit/miss/eviction counters.
	Stats() Stats
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Size      int     `json:"size"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Namespace names for the four views the gateway uses.
const (
	NamespaceTools   = "tools"
	NamespaceResults = "results"
	NamespaceSchema  = "schema"
	NamespaceSession = "session"
)

// Namespace is a prefixed view over a Cache with a pinned default TTL.
type Namespace struct {
	cache Cache
	name  string
	ttl   time.Duration
}

// NewNamespace wraps cache with a key prefix and default TTL.
func NewNamespace(c Cache, name string, ttl time.Duration) *Namespace {
	return &Namespace{cache: c, name: name, ttl: ttl}
}

// Name returns the namespace label used in metrics.
func (n *Namespace) Name() string { return n.name }

// TTL returns the namespace default TTL.
func (n *Namespace) TTL() time.Duration { return n.ttl }

func (n *Namespace) key(key string) string {
	return n.name + ":" + key
}

// Get returns the raw value under key.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool) {
	return n.cache.Get(ctx, n.key(key))
}

// GetJSON unmarshals the value under key into v, reporting whether a valid
// entry existed.
func (n *Namespace) GetJSON(ctx context.Context, key string, v any) bool {
	raw, ok := n.cache.Get(ctx, n.key(key))
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// A corrupt entry is as good as a miss; drop it.
		n.cache.Delete(ctx, n.key(key))
		return false
	}
	return true
}

// Set stores value under key with the namespace TTL.
func (n *Namespace) Set(ctx context.Context, key string, value []byte) {
	n.cache.Set(ctx, n.key(key), value, n.ttl)
}

// SetJSON marshals v and stores it under key with the namespace TTL.
func (n *Namespace) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	n.cache.Set(ctx, n.key(key), raw, n.ttl)
	return nil
}

// Delete removes key from the namespace.
func (n *Namespace) Delete(ctx context.Context, key string) {
	n.cache.Delete(ctx, n.key(key))
}

// Namespaces bundles the four views the gateway and orchestrator share.
type Namespaces struct {
	Tools   *Namespace
	Results *Namespace
	Schema  *Namespace
	Session *Namespace

	backing Cache
}

// NamespaceTTLs carries the per-view TTLs from configuration.
type NamespaceTTLs struct {
	Tools   time.Duration
	Results time.Duration
	Schema  time.Duration
	Session time.Duration
}

// DefaultTTLs returns the standard namespace TTLs.
func DefaultTTLs() NamespaceTTLs {
	return NamespaceTTLs{
		Tools:   5 * time.Minute,
		Results: 30 * time.Second,
		Schema:  10 * time.Minute,
		Session: 24 * time.Hour,
	}
}

// NewNamespaces builds the standard views over one backing cache.
func NewNamespaces(c Cache, ttls NamespaceTTLs) *Namespaces {
	def := DefaultTTLs()
	if ttls.Tools <= 0 {
		ttls.Tools = def.Tools
	}
	if ttls.Results <= 0 {
		ttls.Results = def.Results
	}
	if ttls.Schema <= 0 {
		ttls.Schema = def.Schema
	}
	if ttls.Session <= 0 {
		ttls.Session = def.Session
	}
	return &Namespaces{
		Tools:   NewNamespace(c, NamespaceTools, ttls.Tools),
		Results: NewNamespace(c, NamespaceResults, ttls.Results),
		Schema:  NewNamespace(c, NamespaceSchema, ttls.Schema),
		Session: NewNamespace(c, NamespaceSession, ttls.Session),
		backing: c,
	}
}

// Stats exposes the backing cache counters.
func (n *Namespaces) Stats() Stats {
	return n.backing.Stats()
}

// Clear drops everything across all namespaces.
func (n *Namespaces) Clear(ctx context.Context) {
	n.backing.Clear(ctx)
}
