package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "barkd/pkg/logx"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// ErrUnchanged is returned by Reload when the file content matches the
// committed config.
var ErrUnchanged = errors.New("config unchanged")

// ConfigManager owns the current config and republishes it when the file
// changes. Subscribers receive only configs that passed validation.
type ConfigManager struct {
	path      string
	lookupEnv func(string) (string, bool)
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu  sync.RWMutex
	cfg *Config
	fp  uint64

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

// NewConfigManager creates a manager for path. An empty path means
// "environment and defaults only".
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      strings.TrimSpace(path),
		lookupEnv: os.LookupEnv,
		log:       logx.Nop(),
		subs:      map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetEnvLookup replaces os.LookupEnv. nil means no environment at all.
func (m *ConfigManager) SetEnvLookup(fn func(string) (string, bool)) {
	if fn == nil {
		fn = func(string) (string, bool) { return "", false }
	}
	m.lookupEnv = fn
}

// SetValidator adds a check run on reload after Validate and before commit.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file (a missing file is fine), then applies environment
// overrides and defaults. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := &Config{}
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.log.Info("config file not found; using environment and defaults", logx.String("path", m.path))
		case err != nil:
			return nil, err
		default:
			if err := decodeStrict(m.path, b, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", m.path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(m.lookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load parses, validates and commits.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.fp = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. A config that parses, validates and differs from
// the committed one is committed and published.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.fp
	m.mu.RUnlock()
	if same {
		return nil, ErrUnchanged
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return nil, err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return cfg, nil
}

// Subscribe returns a channel of accepted configs. A slow subscriber loses
// the oldest pending config, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch reloads on changes to the config file until ctx ends. Events are
// debounced so an editor's write burst causes one reload. Without a path it
// only waits for ctx.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	for ctx.Err() == nil {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		wait := retry.NextBackOff()
		m.log.Warn("config watcher stopped; restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher on the config directory until it
// breaks or ctx ends.
func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events may be lost; reload to be safe
				debounce.Reset(reloadDebounce)
				continue
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return err
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			m.reload(ctx)
		}
	}
}

func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Reload(ctx)
	switch {
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged", logx.String("path", m.path))
	case err != nil:
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
	default:
		m.log.Debug("config published", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%x", fingerprint(cfg))))
	}
}
