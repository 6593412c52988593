package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	logx "pewnotify/pkg/logx"
)

// Manager holds the live config and hands reloads to subscribers.
type Manager struct {
	path string

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte

	subsMu sync.Mutex
	nextID uint64
	subs   map[uint64]chan *Config

	log   logx.Logger
	check func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[uint64]chan *Config{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator adds a check that a reloaded config must pass before it is
// committed. Validate always runs first.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Load reads the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	d := digest(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func digest(cfg *Config) [sha256.Size]byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(b)
}

// Subscribe returns a channel receiving each committed reload. Only the
// newest pending config is kept when the reader falls behind.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: drop the oldest and retry.
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

// reload re-reads the file and publishes it when it changed and passes the
// checks. It reports whether a new config was published.
func (m *Manager) reload(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := ReadFile(m.path)
	if err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return false
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d == m.digest
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return false
	}
	if m.check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.check(cctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config reload rejected", logx.Err(err))
			return false
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded")
	return true
}
