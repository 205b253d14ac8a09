package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// Catalog holds the named scenarios found in a directory. A scenario's name
// is its file name without extension. Sessions take the *Scenario pointer
// once at start; a reload swaps the pointer and never mutates a loaded value.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	scenarios map[string]*domain.Scenario
}

// NewCatalog loads every scenario file in dir. Invalid files are logged and
// skipped so one broken script cannot take the library down.
func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		dir:       dir,
		logger:    logger,
		scenarios: make(map[string]*domain.Scenario),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isScenarioFile(e.Name()) {
			continue
		}
		c.reload(filepath.Join(dir, e.Name()))
	}
	logger.Info("Scenario catalog loaded", "dir", dir, "count", c.Len())
	return c, nil
}

// Get returns a scenario by name.
func (c *Catalog) Get(name string) (*domain.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.scenarios[name]
	return sc, ok
}

// Names returns the sorted scenario names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.scenarios))
	for name := range c.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded scenarios.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scenarios)
}

// Watch reloads scenarios as files change until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create scenario watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch scenario dir: %w", err)
	}

	go func() {
		defer func() {
			if closeErr := watcher.Close(); closeErr != nil {
				c.logger.Debug("Failed to close scenario watcher", "error", closeErr)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isScenarioFile(ev.Name) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					c.remove(ev.Name)
				case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
					c.reload(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Scenario watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (c *Catalog) reload(path string) {
	sc, err := LoadFile(path)
	if err != nil {
		c.logger.Warn("Skipping invalid scenario", "path", path, "error", err)
		return
	}
	c.mu.Lock()
	c.scenarios[nameFromPath(path)] = sc
	c.mu.Unlock()
	c.logger.Debug("Scenario loaded", "name", nameFromPath(path))
}

func (c *Catalog) remove(path string) {
	c.mu.Lock()
	delete(c.scenarios, nameFromPath(path))
	c.mu.Unlock()
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isScenarioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml", ".toml":
		return true
	}
	return false
}
