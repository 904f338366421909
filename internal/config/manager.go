package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	logx "autoposter/pkg/logx"
)

// ValidatorFunc is an extra check run after Validate on every candidate
// config, at startup and on each reload. The app uses it for cross-field
// rules that need defaults applied.
type ValidatorFunc func(ctx context.Context, cfg *Config) error

// ConfigManager owns the current config: it loads the file, overlays
// secrets from the environment, gates candidates through the validation
// hooks and fans accepted configs out to subscribers.
type ConfigManager struct {
	path   string
	getenv func(string) string

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	hookMu    sync.RWMutex
	log       logx.Logger
	validator ValidatorFunc

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, getenv: os.Getenv, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.hookMu.Lock()
	m.log = log
	m.hookMu.Unlock()
}

func (m *ConfigManager) SetValidator(fn ValidatorFunc) {
	m.hookMu.Lock()
	m.validator = fn
	m.hookMu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.log
}

// admit runs the static checks, then the installed hook.
func (m *ConfigManager) admit(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	m.hookMu.RLock()
	fn := m.validator
	m.hookMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, cfg)
}

// Load reads, admits and commits the file. It does not notify subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.admit(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) isCurrent(h uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h != 0 && h == m.hash
}

// fingerprint hashes the decoded config, so formatting-only edits compare equal.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// pending config: only the newest one matters.
func (m *ConfigManager) publish(cfg *Config) {
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
			m.logger().Debug("config update dropped; subscriber full", logx.Int("queue_cap", cap(ch)))
		}
	}
}
