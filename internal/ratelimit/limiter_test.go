package ratelimit

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmaklein/campaigner/internal/store"
)

func setupLimiter(t *testing.T, cfg *Config) *Limiter {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLimiter(s, cfg, logger)
}

// fixedClock pins the limiter mid-hour so bucket keys stay stable across a
// simulated test run.
func fixedClock(l *Limiter) (time.Time, func(time.Time)) {
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }
	return base, func(at time.Time) { current = at }
}

func TestCanSendAllowsFreshSession(t *testing.T) {
	l := setupLimiter(t, nil)

	dec := l.CanSend("sess1", "high")
	if !dec.Allowed {
		t.Errorf("fresh session should be allowed, denied by %s", dec.Reason)
	}
	if dec.Wait != 0 {
		t.Errorf("fresh allow should carry no wait, got %v", dec.Wait)
	}
}

func TestCanSendDeniesWithinInterval(t *testing.T) {
	l := setupLimiter(t, nil)
	base, advance := fixedClock(l)

	if err := l.RecordSend("sess1"); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}

	advance(base.Add(10 * time.Second))
	dec := l.CanSend("sess1", "high")
	if dec.Allowed {
		t.Fatal("send inside the minimum interval should be denied")
	}
	if dec.Reason != ReasonInterval {
		t.Errorf("expected interval denial, got %s", dec.Reason)
	}
	if dec.Wait != 50*time.Second {
		t.Errorf("expected 50s remaining, got %v", dec.Wait)
	}

	advance(base.Add(61 * time.Second))
	if dec := l.CanSend("sess1", "high"); !dec.Allowed {
		t.Errorf("send after the interval should be allowed, denied by %s", dec.Reason)
	}
}

func TestCanSendHourlyCap(t *testing.T) {
	l := setupLimiter(t, &Config{
		Tiers: map[string]TierConfig{
			"high": {MinInterval: 0, MessagesPerHour: 3, MessagesPerDay: 100, BatchSize: 5},
		},
	})
	fixedClock(l)

	for i := 0; i < 3; i++ {
		if dec := l.CanSend("sess1", "high"); !dec.Allowed {
			t.Fatalf("send %d should be allowed, denied by %s", i+1, dec.Reason)
		}
		if err := l.RecordSend("sess1"); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}

	dec := l.CanSend("sess1", "high")
	if dec.Allowed {
		t.Fatal("send over the hourly cap should be denied")
	}
	if dec.Reason != ReasonHourlyCap {
		t.Errorf("expected hourly cap denial, got %s", dec.Reason)
	}
	if dec.Wait != 30*time.Minute {
		t.Errorf("expected wait until top of next hour (30m), got %v", dec.Wait)
	}

	// Another session is unaffected.
	if dec := l.CanSend("sess2", "high"); !dec.Allowed {
		t.Errorf("other session should be allowed, denied by %s", dec.Reason)
	}
}

func TestCanSendDailyCap(t *testing.T) {
	l := setupLimiter(t, &Config{
		Tiers: map[string]TierConfig{
			"low": {MinInterval: 0, MessagesPerHour: 100, MessagesPerDay: 2, BatchSize: 2},
		},
	})
	fixedClock(l)

	for i := 0; i < 2; i++ {
		if err := l.RecordSend("sess1"); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}

	dec := l.CanSend("sess1", "low")
	if dec.Allowed {
		t.Fatal("send over the daily cap should be denied")
	}
	if dec.Reason != ReasonDailyCap {
		t.Errorf("expected daily cap denial, got %s", dec.Reason)
	}
	if dec.Wait != 13*time.Hour+30*time.Minute {
		t.Errorf("expected wait until next day boundary, got %v", dec.Wait)
	}
}

func TestCanSendDoesNotIncrement(t *testing.T) {
	l := setupLimiter(t, &Config{
		Tiers: map[string]TierConfig{
			"high": {MinInterval: 0, MessagesPerHour: 1, MessagesPerDay: 10, BatchSize: 5},
		},
	})
	fixedClock(l)

	for i := 0; i < 5; i++ {
		if dec := l.CanSend("sess1", "high"); !dec.Allowed {
			t.Fatal("repeated checks must not consume the cap")
		}
	}
}

func TestUnknownPriorityFallsBackToMedium(t *testing.T) {
	l := setupLimiter(t, nil)

	tier := l.Tier("urgent")
	if tier != DefaultTiers()["medium"] {
		t.Errorf("unknown priority should use the medium tier, got %+v", tier)
	}
}

// brokenKV simulates a coordination-store outage.
type brokenKV struct{}

func (brokenKV) GetCounter(string) (int64, error)                 { return 0, errors.New("store down") }
func (brokenKV) IncrCounter(string, time.Duration) error          { return errors.New("store down") }
func (brokenKV) GetTime(string) (time.Time, bool, error)          { return time.Time{}, false, errors.New("store down") }
func (brokenKV) SetTime(string, time.Time, time.Duration) error   { return errors.New("store down") }
func (brokenKV) SetNX(string, string, time.Duration) (bool, error) { return false, errors.New("store down") }
func (brokenKV) DeleteIfToken(string, string) error               { return errors.New("store down") }

func TestStoreOutageFailOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	l := NewLimiter(brokenKV{}, &Config{Strategy: FailOpen}, logger)

	dec := l.CanSend("sess1", "high")
	if !dec.Allowed {
		t.Error("fail-open limiter should allow during an outage")
	}
	if dec.Wait != ForcedWait {
		t.Errorf("fail-open allow must carry the forced wait, got %v", dec.Wait)
	}
	if dec.Reason != ReasonStoreError {
		t.Errorf("expected store_error reason, got %s", dec.Reason)
	}
}

func TestStoreOutageFailClosed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	l := NewLimiter(brokenKV{}, &Config{Strategy: FailClosed}, logger)

	dec := l.CanSend("sess1", "high")
	if dec.Allowed {
		t.Error("fail-closed limiter should deny during an outage")
	}
	if dec.Reason != ReasonStoreError {
		t.Errorf("expected store_error reason, got %s", dec.Reason)
	}
}
