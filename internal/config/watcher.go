package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 500 * time.Millisecond

// Watcher watches for configuration changes.
type Watcher struct {
	path       string
	schemaPath string
	onReload   func(*Config, error)
	current    *Config
	mu         sync.RWMutex
	reloads    atomic.Uint32

	fsw       *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	timerMu   sync.Mutex
	timer     *time.Timer
	stoppedWg sync.WaitGroup
}

// NewWatcher loads the config at path and calls onReload with the effective
// config every time the file is written. The parent directory is watched so
// editors that replace the file by rename are followed.
func NewWatcher(path string, schemaPath string, onReload func(*Config, error)) (*Watcher, error) {
	watcher := &Watcher{
		path:       filepath.Clean(path),
		schemaPath: schemaPath,
		onReload:   onReload,
		done:       make(chan struct{}),
	}

	cfg, err := loadEffective(watcher.path, schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load initial config: %w", err)
	}
	watcher.current = cfg

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(watcher.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", watcher.path, err)
	}
	watcher.fsw = fsw

	watcher.stoppedWg.Add(1)
	go watcher.watch()

	return watcher, nil
}

func loadEffective(path, schemaPath string) (*Config, error) {
	cfg, err := LoadAndValidate(path, schemaPath)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	cfg.ExpandPaths()
	return cfg, nil
}

// watch watches for configuration changes.
func (cw *Watcher) watch() {
	defer cw.stoppedWg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cw.schedule()
			}

		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}

			slog.Error("Watcher error", "error", err)
		}
	}
}

func (cw *Watcher) schedule() {
	cw.timerMu.Lock()
	defer cw.timerMu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}

	cw.timer = time.AfterFunc(debounce, cw.fire)
}

// fire runs a debounced reload unless the watcher has been stopped. The
// reload is registered under timerMu so Stop waits for it.
func (cw *Watcher) fire() {
	cw.timerMu.Lock()
	select {
	case <-cw.done:
		cw.timerMu.Unlock()
		return
	default:
	}
	cw.stoppedWg.Add(1)
	cw.timerMu.Unlock()

	defer cw.stoppedWg.Done()
	cw.reload()
}

// reload reloads the config file.
func (cw *Watcher) reload() {
	count := cw.reloads.Add(1)
	slog.Info("Reloading config file", "path", cw.path, "count", count)

	cfg, err := loadEffective(cw.path, cw.schemaPath)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		cw.onReload(nil, err)
		return
	}

	cw.mu.Lock()
	cw.current = cfg
	cw.mu.Unlock()

	slog.Info("Config reloaded successfully", "count", count)
	cw.onReload(cfg, nil)
}

// Snapshot returns the current config snapshot (thread-safe).
func (cw *Watcher) Snapshot() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()

	return cw.current
}

// ReloadCount returns the number of times the config has been reloaded.
func (cw *Watcher) ReloadCount() uint32 {
	return cw.reloads.Load()
}

// Stop ends the watch. Pending reloads are dropped and a reload already
// running is waited for, so onReload is never called after Stop returns.
// It is safe to call more than once but not from onReload.
func (cw *Watcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		cw.timerMu.Lock()
		close(cw.done)
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.timerMu.Unlock()

		err = cw.fsw.Close()
		cw.stoppedWg.Wait()
	})
	return err
}
