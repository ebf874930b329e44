package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"bossbot/pkg/logx"
)

const reloadDebounce = 300 * time.Millisecond

// Manager owns the current configuration and watches the file for changes.
// Subscribers get the new snapshot after a successful reload; an invalid
// file keeps the previous snapshot and logs the rejection.
type Manager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current Config
	subs    []func(Config)

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Load reads and validates the file, making it the current snapshot.
func (m *Manager) Load() (Config, error) {
	cfg, err := m.read()
	if err != nil {
		return Config{}, err
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) read() (Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := decodeStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Current returns the last good snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked after each successful reload.
// Callbacks run on the watcher goroutine and must not block.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Watch reloads on file changes until ctx is done. Editors replace files
// rather than writing in place, so the parent directory is watched and
// events are debounced.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})

	go func() {
		defer close(m.watchDone)
		defer w.Close()

		var pending *time.Timer
		var pendingC <-chan time.Time
		target := filepath.Clean(m.path)

		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(reloadDebounce)
					pendingC = pending.C
				} else {
					pending.Reset(reloadDebounce)
				}
			case <-pendingC:
				pending = nil
				pendingC = nil
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("config watcher error", logx.Err(err))
			}
		}
	}()
	return nil
}

// StopWatch halts the watcher started by Watch.
func (m *Manager) StopWatch() {
	if m.watchCancel == nil {
		return
	}
	m.watchCancel()
	<-m.watchDone
	m.watchCancel = nil
}

func (m *Manager) reload() {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	subs := make([]func(Config), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	for _, fn := range subs {
		fn(cfg)
	}
}
