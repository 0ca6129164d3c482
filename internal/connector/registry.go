package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// definitionsFile is the on-disk shape of the connectors file.
type definitionsFile struct {
	Providers []*Definition `yaml:"providers"`
}

// LoadDefinitions reads and validates the connectors file. Environment
// variables in the file are expanded before parsing so credentials and
// endpoints can stay out of the repo.
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connectors file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var file definitionsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse connectors file: %w", err)
	}

	seen := make(map[models.ProviderID]struct{}, len(file.Providers))
	for _, def := range file.Providers {
		if def == nil {
			return nil, fmt.Errorf("connectors file contains an empty provider entry")
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("duplicate connector id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
	}

	return file.Providers, nil
}

// Registry holds the live connector definitions and hot-reloads them when
// the file changes.
type Registry struct {
	path   string
	logger *observability.Logger

	mu   sync.RWMutex
	defs map[models.ProviderID]*Definition
	// order preserves file order for stable listings.
	order []models.ProviderID

	onReload func([]*Definition)

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	debounce    time.Duration
}

// NewRegistry loads the connectors file at path.
func NewRegistry(path string, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	r := &Registry{
		path:     path,
		logger:   logger.WithFields("component", "connector_registry"),
		debounce: 250 * time.Millisecond,
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the connectors file and swaps the definition set. A file
// that fails to parse leaves the previous definitions in place.
func (r *Registry) Reload() error {
	defs, err := LoadDefinitions(r.path)
	if err != nil {
		return err
	}

	byID := make(map[models.ProviderID]*Definition, len(defs))
	order := make([]models.ProviderID, 0, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
		order = append(order, def.ID)
	}

	r.mu.Lock()
	r.defs = byID
	r.order = order
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		cb(defs)
	}
	return nil
}

// SetOnReload registers a callback invoked after each successful reload.
func (r *Registry) SetOnReload(fn func([]*Definition)) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// Get returns the definition for a provider id.
func (r *Registry) Get(id models.ProviderID) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// All returns every definition in file order.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Enabled returns the definitions accepting traffic, in file order.
func (r *Registry) Enabled() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		if def := r.defs[id]; def.IsEnabled() {
			out = append(out, def)
		}
	}
	return out
}

// EnabledIDs returns the enabled provider ids sorted lexicographically.
func (r *Registry) EnabledIDs() []models.ProviderID {
	enabled := r.Enabled()
	ids := make([]models.ProviderID, 0, len(enabled))
	for _, def := range enabled {
		ids = append(ids, def.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Providers returns the public provider identities in file order.
func (r *Registry) Providers() []models.Provider {
	defs := r.All()
	out := make([]models.Provider, 0, len(defs))
	for _, def := range defs {
		out = append(out, models.Provider{
			ID:          def.ID,
			DisplayName: def.DisplayName,
			Enabled:     def.IsEnabled(),
			Priority:    def.Priority,
		})
	}
	return out
}

// Watch starts hot-reloading the connectors file. Events are debounced so
// editors that write in bursts trigger one reload.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory; editors rename over the file and a watch on the
	// file itself is lost after the first save.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.watcher = watcher
	r.watchCancel = cancel
	r.mu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	target := filepath.Clean(r.path)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if err := r.Reload(); err != nil {
				r.logger.Warn(context.Background(), "connector reload failed, keeping previous definitions", "error", err)
				return
			}
			r.logger.Info(context.Background(), "connector definitions reloaded", "path", r.path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn(context.Background(), "connector watch error", "error", err)
		}
	}
}
