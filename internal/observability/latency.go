package observability

import (
	"sort"
	"sync"
	"time"
)

// latencyWindowSize bounds how many recent samples are kept per provider.
const latencyWindowSize = 50

// LatencyTracker keeps a rolling window of recent leg durations per provider.
// The planner reads medians from it to estimate how long a plan will take.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples map[string][]time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		samples: make(map[string][]time.Duration),
	}
}

// Record appends one observed duration for a provider, evicting the oldest
// sample once the window is full.
func (t *LatencyTracker) Record(provider string, d time.Duration) {
	if provider == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.samples[provider], d)
	if len(window) > latencyWindowSize {
		window = window[len(window)-latencyWindowSize:]
	}
	t.samples[provider] = window
}

// Median returns the median recorded duration for a provider, or zero when no
// samples exist.
func (t *LatencyTracker) Median(provider string) time.Duration {
	t.mu.RLock()
	window := t.samples[provider]
	if len(window) == 0 {
		t.mu.RUnlock()
		return 0
	}
	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	t.mu.RUnlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// MaxMedian returns the largest median across the given providers. Providers
// without samples contribute the fallback value.
func (t *LatencyTracker) MaxMedian(providers []string, fallback time.Duration) time.Duration {
	max := time.Duration(0)
	for _, p := range providers {
		m := t.Median(p)
		if m == 0 {
			m = fallback
		}
		if m > max {
			max = m
		}
	}
	return max
}
