package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"

	logx "tasker/pkg/logx"
)

// Manager holds the committed config and fans reloads out to subscribers.
// A config is built from defaults, then the optional file, then the
// environment.
type Manager struct {
	path  string
	log   logx.Logger
	check func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cur    *Config
	digest uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// NewManager reads from path; an empty path means environment and defaults only.
func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the check a reloaded config must pass before it is
// committed and published.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

func (m *Manager) Path() string { return m.path }

// Parse builds a config without committing it.
func (m *Manager) Parse() (*Config, error) {
	cfg := new(Config)
	if strings.TrimSpace(m.path) != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeFile(m.path, raw, cfg); err != nil {
			return nil, err
		}
	}
	fillDefaults(cfg)
	ApplyEnv(cfg)
	return cfg, nil
}

// Load parses and commits.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	sum := digest(cfg)
	m.mu.Lock()
	m.cur, m.digest = cfg, sum
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// changed reports whether cfg differs from the committed config.
func (m *Manager) changed(cfg *Config) (uint64, bool) {
	sum := digest(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sum, sum == 0 || sum != m.digest
}

func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber loses older configs, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offer delivers cfg, evicting the oldest queued config when ch is full.
func offer(ch chan *Config, cfg *Config) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload parses the file and, when it changed and passes the validator,
// commits and publishes it.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	sum, changed := m.changed(cfg)
	if !changed {
		log.Debug("config unchanged")
		return
	}
	if m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.check(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("digest", fmt.Sprintf("%016x", sum)))
}
