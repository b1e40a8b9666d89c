package flows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
)

const watchDebounce = 250 * time.Millisecond

// Registry loads flow templates from a directory of YAML files and serves
// them by id. With watching enabled, edits to the directory reload the
// whole set after a short debounce.
type Registry struct {
	dir    string
	watch  bool
	logger *observability.Logger

	mu        sync.RWMutex
	templates map[string]*Template

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewRegistry creates a registry for cfg.Dir. An empty dir yields an empty
// registry whose Load is a no-op, so hosts without flows need no special
// casing.
func NewRegistry(cfg config.FlowsConfig, logger *observability.Logger) *Registry {
	return &Registry{
		dir:       cfg.Dir,
		watch:     cfg.Watch,
		logger:    logger,
		templates: make(map[string]*Template),
	}
}

// Load parses every .yaml/.yml file in the directory and replaces the
// current set. Files that fail to parse are skipped with a warning; one bad
// template must not take down the rest.
func (r *Registry) Load(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read flows dir: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.warn(ctx, "flow template unreadable", "path", path, "error", err)
			continue
		}
		tmpl, err := Parse(data)
		if err != nil {
			r.warn(ctx, "flow template invalid", "path", path, "error", err)
			continue
		}
		if _, dup := loaded[tmpl.ID]; dup {
			r.warn(ctx, "duplicate flow template id", "path", path, "id", tmpl.ID)
			continue
		}
		loaded[tmpl.ID] = tmpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info(ctx, "flow templates loaded", "count", len(loaded), "dir", r.dir)
	}
	return nil
}

// Get returns a template by id.
func (r *Registry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[id]
	return tmpl, ok
}

// List returns all templates sorted by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		result = append(result, tmpl)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// StartWatching begins reloading on directory changes. It is a no-op when
// watching is disabled or the registry has no directory.
func (r *Registry) StartWatching(ctx context.Context) error {
	if !r.watch || r.dir == "" {
		return nil
	}

	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		r.watchMu.Unlock()
		return err
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchMu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := r.Load(context.Background()); err != nil {
				r.warn(context.Background(), "flow template reload failed", "error", err)
			}
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
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.warn(ctx, "flow template watch error", "error", err)
		}
	}
}

func (r *Registry) warn(ctx context.Context, msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(ctx, msg, args...)
	}
}
