package ratelimit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tmaklein/campaigner/internal/store"
)

// Strategy selects how the limiter behaves when the coordination store is
// unreachable. Fail-open keeps dispatch alive at a forced conservative pace;
// fail-closed denies until the store recovers.
type Strategy string

const (
	FailOpen   Strategy = "fail_open"
	FailClosed Strategy = "fail_closed"
)

// ForcedWait is the pre-send pause imposed on every allow issued while the
// counter store is unreachable.
const ForcedWait = 60 * time.Second

// Reason labels why a send was denied or slowed down.
type Reason string

const (
	ReasonHourlyCap  Reason = "hourly_cap"
	ReasonDailyCap   Reason = "daily_cap"
	ReasonInterval   Reason = "interval"
	ReasonStoreError Reason = "store_error"
)

// TierConfig is the static rate profile of one priority tier.
type TierConfig struct {
	MinInterval     time.Duration `yaml:"min_interval"`
	MessagesPerHour int64         `yaml:"messages_per_hour"`
	MessagesPerDay  int64         `yaml:"messages_per_day"`
	BatchSize       int           `yaml:"batch_size"`
}

// Config contains the limiter configuration.
type Config struct {
	Strategy Strategy              `yaml:"strategy"`
	Tiers    map[string]TierConfig `yaml:"tiers"` // keyed by priority name
}

// DefaultTiers returns the built-in high/medium/low profiles.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"high":   {MinInterval: 60 * time.Second, MessagesPerHour: 30, MessagesPerDay: 200, BatchSize: 5},
		"medium": {MinInterval: 90 * time.Second, MessagesPerHour: 20, MessagesPerDay: 150, BatchSize: 3},
		"low":    {MinInterval: 2 * time.Minute, MessagesPerHour: 12, MessagesPerDay: 100, BatchSize: 2},
	}
}

// Decision is the outcome of a CanSend check. Wait > 0 with Allowed set
// means the caller must pause that long before the send (forced pacing under
// store outage); Wait with Allowed unset is the advisory retry horizon.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  Reason
}

// Limiter throttles sends per session and priority tier over the shared
// counter store. Checks are advisory reads; only RecordSend increments.
type Limiter struct {
	kv       store.KV
	strategy Strategy
	tiers    map[string]TierConfig
	logger   *slog.Logger

	now func() time.Time // injectable for tests
}

// NewLimiter creates a limiter over the shared store.
func NewLimiter(kv store.KV, cfg *Config, logger *slog.Logger) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	tiers := DefaultTiers()
	for name, tier := range cfg.Tiers {
		tiers[name] = tier
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = FailOpen
	}

	return &Limiter{
		kv:       kv,
		strategy: strategy,
		tiers:    tiers,
		logger:   logger,
		now:      time.Now,
	}
}

// Tier returns the profile for a priority, falling back to medium.
func (l *Limiter) Tier(priority string) TierConfig {
	if tier, ok := l.tiers[priority]; ok {
		return tier
	}
	return l.tiers["medium"]
}

// CanSend decides whether a send is currently allowed for the session under
// the given priority tier. The check never mutates counters, so it is safe
// to call repeatedly within a tick.
func (l *Limiter) CanSend(sessionID, priority string) Decision {
	tier := l.Tier(priority)
	now := l.now()

	hourly, err := l.kv.GetCounter(hourKey(sessionID, now))
	if err != nil {
		return l.storeFailure("hourly counter", err)
	}
	if tier.MessagesPerHour > 0 && hourly >= tier.MessagesPerHour {
		return Decision{Reason: ReasonHourlyCap, Wait: untilNextHour(now)}
	}

	daily, err := l.kv.GetCounter(dayKey(sessionID, now))
	if err != nil {
		return l.storeFailure("daily counter", err)
	}
	if tier.MessagesPerDay > 0 && daily >= tier.MessagesPerDay {
		return Decision{Reason: ReasonDailyCap, Wait: untilNextDay(now)}
	}

	last, ok, err := l.kv.GetTime(lastSendKey(sessionID))
	if err != nil {
		return l.storeFailure("last send", err)
	}
	if ok {
		if since := now.Sub(last); since < tier.MinInterval {
			return Decision{Reason: ReasonInterval, Wait: tier.MinInterval - since}
		}
	}

	return Decision{Allowed: true}
}

// RecordSend registers a completed send against the session's counters. The
// hour and day counters expire with their windows; the last-send marker
// lives for 24 hours.
func (l *Limiter) RecordSend(sessionID string) error {
	now := l.now()

	if err := l.kv.IncrCounter(hourKey(sessionID, now), time.Hour); err != nil {
		return fmt.Errorf("failed to increment hourly counter: %w", err)
	}
	if err := l.kv.IncrCounter(dayKey(sessionID, now), 24*time.Hour); err != nil {
		return fmt.Errorf("failed to increment daily counter: %w", err)
	}
	if err := l.kv.SetTime(lastSendKey(sessionID), now, 24*time.Hour); err != nil {
		return fmt.Errorf("failed to store last send: %w", err)
	}
	return nil
}

func (l *Limiter) storeFailure(what string, err error) Decision {
	if l.logger != nil {
		l.logger.Warn("rate limiter store read failed", "check", what, "error", err, "strategy", l.strategy)
	}
	if l.strategy == FailClosed {
		return Decision{Reason: ReasonStoreError, Wait: ForcedWait}
	}
	// Fail open, but never an unconditional allow: pacing degrades to one
	// send per ForcedWait while the store is out.
	return Decision{Allowed: true, Wait: ForcedWait, Reason: ReasonStoreError}
}

func hourKey(sessionID string, now time.Time) string {
	return "rate:" + sessionID + ":h:" + now.UTC().Format("2006010215")
}

func dayKey(sessionID string, now time.Time) string {
	return "rate:" + sessionID + ":d:" + now.UTC().Format("20060102")
}

func lastSendKey(sessionID string) string {
	return "rate:" + sessionID + ":last"
}

func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.UTC().Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
