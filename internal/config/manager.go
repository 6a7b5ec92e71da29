package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"marketpulse/pkg/logx"
)

// Environment overrides applied after every parse.
const (
	EnvTelegramToken = "MARKETPULSE_TELEGRAM_TOKEN"
	EnvStatusToken   = "MARKETPULSE_STATUS_TOKEN"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchBackoff   = 250 * time.Millisecond
	watchBackoffMx = 5 * time.Second
)

// Manager loads the config file and hot-reloads it.
type Manager struct {
	path   string
	log    logx.Logger
	lookup func(string) (string, bool)

	mu        sync.RWMutex
	cfg       *Config
	lastHash  uint64
	validator func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   []chan *Config
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithEnv replaces os.LookupEnv for overrides.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(m *Manager) {
		if lookup != nil {
			m.lookup = lookup
		}
	}
}

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, log: logx.Nop(), lookup: os.LookupEnv}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Path() string { return m.path }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	m.applyEnv(cfg)
	return cfg, nil
}

// Decode parses data as JSON or YAML (by path extension). Unknown fields and
// trailing data are errors.
func Decode(path string, data []byte) (*Config, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", filepath.Base(path))
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) applyEnv(cfg *Config) {
	if v, ok := m.lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := m.lookup(EnvStatusToken); ok && strings.TrimSpace(v) != "" {
		cfg.StatusServer.Token = strings.TrimSpace(v)
	}
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every committed reload. A slow
// subscriber only ever misses older configs, never the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload parses, validates, commits and publishes the file. It reports
// whether a changed config was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	validate := m.validator
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Watch reloads the file on change until ctx is done. The fsnotify watcher
// is recreated with jittered backoff when it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Debug("config published", logx.String("path", m.path))
			}
		})
	}

	backoff := watchBackoff
	wait := func() bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMx)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = watchBackoff
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		m.watchLoop(ctx, w, file, schedule)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
	return nil
}

// watchLoop returns when ctx is done or the watcher breaks.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, schedule func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
