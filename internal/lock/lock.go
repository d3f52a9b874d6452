package lock

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tmaklein/campaigner/internal/store"
)

// DefaultTTL bounds how long a dispatch attempt may hold its key if the
// holder dies without releasing.
const DefaultTTL = 5 * time.Minute

const syntheticPrefix = "synthetic:"

// Strategy selects behavior when the lock store is unreachable. Fail-open
// hands out synthetic tokens so dispatch keeps moving; a double-send during
// an outage is the accepted cost of not stalling the loop.
type Strategy string

const (
	FailOpen   Strategy = "fail_open"
	FailClosed Strategy = "fail_closed"
)

// Config contains the lock manager configuration.
type Config struct {
	TTL      time.Duration `yaml:"ttl"`
	Strategy Strategy      `yaml:"strategy"`
}

// Manager guards each (campaign, contact, sequence-step) send with a
// short-lived mutual-exclusion key in the shared store. Locks are advisory:
// contention means skip this tick, never wait.
type Manager struct {
	kv       store.KV
	ttl      time.Duration
	strategy Strategy
	logger   *slog.Logger
}

// Token proves ownership of a held key and is required to release it.
type Token struct {
	Key   string
	Value string
}

// Synthetic reports whether the token was minted during a store outage and
// therefore guards nothing.
func (t Token) Synthetic() bool {
	return strings.HasPrefix(t.Value, syntheticPrefix)
}

// NewManager creates a lock manager over the shared store.
func NewManager(kv store.KV, cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = FailOpen
	}
	return &Manager{kv: kv, ttl: ttl, strategy: strategy, logger: logger}
}

// Key builds the composite mutual-exclusion key.
func Key(campaignID, contactID string, sequenceIndex int) string {
	return fmt.Sprintf("lock:%s:%s:%d", campaignID, contactID, sequenceIndex)
}

// Acquire attempts the key. A held key returns ok=false with no error; the
// caller skips the entry for this tick. A store failure under the fail-open
// strategy returns a synthetic always-successful token.
func (m *Manager) Acquire(campaignID, contactID string, sequenceIndex int) (Token, bool, error) {
	key := Key(campaignID, contactID, sequenceIndex)
	value := uuid.NewString()

	ok, err := m.kv.SetNX(key, value, m.ttl)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("lock store unreachable", "key", key, "error", err, "strategy", m.strategy)
		}
		if m.strategy == FailOpen {
			return Token{Key: key, Value: syntheticPrefix + value}, true, nil
		}
		return Token{}, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return Token{}, false, nil
	}
	return Token{Key: key, Value: value}, true, nil
}

// Release deletes the key before its TTL. Synthetic tokens release as a
// no-op; a failed release is logged and left to the TTL.
func (m *Manager) Release(token Token) {
	if token.Key == "" || token.Synthetic() {
		return
	}
	if err := m.kv.DeleteIfToken(token.Key, token.Value); err != nil && m.logger != nil {
		m.logger.Warn("lock release failed, leaving to TTL", "key", token.Key, "error", err)
	}
}

// WithLock runs fn while holding the key and guarantees release on every
// exit path, including an fn error. ok=false means the key was contended
// and fn never ran.
func (m *Manager) WithLock(campaignID, contactID string, sequenceIndex int, fn func() error) (ok bool, err error) {
	token, ok, err := m.Acquire(campaignID, contactID, sequenceIndex)
	if err != nil || !ok {
		return false, err
	}
	defer m.Release(token)
	return true, fn()
}
