package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/core"
)

// Store holds a validated plan collection loaded from a YAML file and
// serves lookups to the plan factory. Watch keeps the store current when
// the file changes, retaining the last good collection on load failure.
type Store struct {
	path   string
	logger core.Logger

	mu    sync.RWMutex
	byID  map[string]*Definition
	order []string
}

// NewStore creates a store bound to a plan file path. Call Load before use.
func NewStore(path string, logger core.Logger) *Store {
	return &Store{
		path:   path,
		logger: core.EnsureLogger(logger),
		byID:   make(map[string]*Definition),
	}
}

// Load reads, parses, and validates the plan file, replacing the current
// collection on success.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading plan file %s: %w", s.path, err)
	}

	file, err := Parse(data)
	if err != nil {
		return err
	}

	byID := make(map[string]*Definition, len(file.Plans))
	order := make([]string, 0, len(file.Plans))
	for i := range file.Plans {
		def := &file.Plans[i]
		byID[def.ID] = def
		order = append(order, def.ID)
	}

	s.mu.Lock()
	s.byID = byID
	s.order = order
	s.mu.Unlock()

	s.logger.Info("Plan collection loaded", map[string]interface{}{
		"path":       s.path,
		"plan_count": len(order),
	})
	return nil
}

// Parse parses and validates a plan collection from YAML bytes.
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing plan YAML: %w", err)
	}
	if file.SchemaVersion != 1 {
		return nil, fmt.Errorf("unsupported plan schemaVersion %d: %w", file.SchemaVersion, core.ErrInvalidPlan)
	}
	if err := ValidateCollection(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Get returns the plan with the given id.
func (s *Store) Get(id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", id, core.ErrPlanNotFound)
	}
	return def, nil
}

// List returns plans in file order, optionally filtered to enabled plans of
// one workflow type. An empty workflowType matches all types.
func (s *Store) List(workflowType WorkflowType, enabledOnly bool) []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Definition
	for _, id := range s.order {
		def := s.byID[id]
		if enabledOnly && !def.Enabled {
			continue
		}
		if workflowType != "" && def.WorkflowType != workflowType {
			continue
		}
		out = append(out, def)
	}
	return out
}

// IDs returns all plan ids in file order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Watch reloads the collection whenever the plan file changes, until ctx is
// canceled. A failed reload keeps the previous collection and logs the
// error. Editors that replace files atomically produce rename/create
// events, so the watch covers the parent directory.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating plan file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					s.logger.Error("Plan reload failed, keeping previous collection", map[string]interface{}{
						"path":  s.path,
						"error": err.Error(),
					})
					continue
				}
				s.logger.Info("Plan collection reloaded", map[string]interface{}{
					"path": s.path,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Plan file watcher error", map[string]interface{}{
					"path":  s.path,
					"error": err.Error(),
				})
			}
		}
	}()

	return nil
}

// Sorted returns all plan ids sorted lexically; used by diagnostics.
func (s *Store) Sorted() []string {
	ids := s.IDs()
	sort.Strings(ids)
	return ids
}
