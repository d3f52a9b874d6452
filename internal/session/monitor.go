package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmaklein/campaigner/internal/channel"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 5 * time.Minute

// Liveness is a snapshot of what the channel client reports right now.
type Liveness struct {
	Error     string // non-empty when the client is in a live error state
	Connected bool
	Identity  string // resolved phone address, empty until pairing completes
	QRCode    string // pending QR payload, if any
}

// Reconcile derives the next persisted status from the persisted status and
// a liveness snapshot. It is a pure function so the decision table can be
// tested without a live channel.
func Reconcile(persisted Status, live Liveness) Status {
	switch {
	case live.Error != "":
		return StatusError
	case live.Connected && live.Identity != "":
		return StatusConnected
	case live.Connected:
		return StatusAuthenticated
	case live.QRCode != "":
		return StatusQRReady
	case persisted == StatusConnecting:
		// Still dialing; no live connection yet is not a failure.
		return persisted
	case persisted == StatusConnected || persisted == StatusAuthenticated:
		return StatusDisconnected
	default:
		return persisted
	}
}

// reconcilable are the persisted statuses worth probing.
func reconcilable(s Status) bool {
	switch s {
	case StatusConnecting, StatusQRReady, StatusAuthenticated, StatusConnected:
		return true
	}
	return false
}

// Monitor periodically reconciles persisted session records against live
// channel state, and folds channel events into the same records. The
// dispatch loop never probes the channel itself; it trusts what the monitor
// persisted.
type Monitor struct {
	storage  *Storage
	registry *channel.Registry
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given registry and storage.
func NewMonitor(storage *Storage, registry *channel.Registry, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		storage:  storage,
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconciliation loop and one event pump per registered
// client.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("starting session monitor", "interval", m.interval)

	for _, id := range m.registry.SessionIDs() {
		if client, ok := m.registry.Get(id); ok {
			m.wg.Add(1)
			go m.pumpEvents(ctx, client.Events())
		}
	}

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop stops the monitor and waits for its goroutines.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("session monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one reconciliation pass over every probeable session. It is
// also invoked on demand through the API.
func (m *Monitor) CheckNow(ctx context.Context) {
	sessions, err := m.storage.List()
	if err != nil {
		m.logger.Error("failed to list sessions", "error", err)
		return
	}

	for _, sess := range sessions {
		if !reconcilable(sess.Status) {
			continue
		}
		m.reconcileOne(sess)
	}
}

func (m *Monitor) reconcileOne(sess *Session) {
	client, _ := m.registry.Get(sess.ID)
	live := probe(client)
	now := time.Now()

	next := Reconcile(sess.Status, live)

	// A session stuck in a non-live state past the idle window is expired.
	expired := false
	if next == sess.Status && !live.Connected && now.Sub(sess.LastActivity) > IdleExpiry {
		next = StatusDisconnected
		expired = true
	}

	identityChanged := live.Identity != "" && live.Identity != sess.Identity
	qrChanged := live.QRCode != "" && live.QRCode != sess.QRCode

	if next == sess.Status && !identityChanged && !qrChanged && !live.Connected {
		return
	}

	dirty := false
	if next != sess.Status {
		detail := "reconciled from live channel state"
		if expired {
			detail = "no confirmed-live activity, session expired"
		}
		m.logger.Info("session status change",
			"session_id", sess.ID, "from", sess.Status, "to", next, "detail", detail)
		sess.Status = next
		sess.AppendLog(next, detail)
		dirty = true
	}
	if identityChanged {
		sess.Identity = live.Identity
		dirty = true
	}
	if qrChanged {
		sess.SetQR(live.QRCode, now)
		dirty = true
	}
	if live.Connected {
		sess.LastActivity = now
		dirty = true
	}

	if dirty {
		if err := m.storage.Put(sess); err != nil {
			m.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
		}
	}
}

// probe builds a liveness snapshot from a registry client. A missing client
// is simply not live.
func probe(c channel.Client) Liveness {
	if c == nil {
		return Liveness{}
	}
	return Liveness{
		Connected: c.IsConnected(),
		Identity:  c.GetIdentity(),
	}
}

// pumpEvents folds channel lifecycle events into persisted session state as
// they arrive, between reconciliation passes.
func (m *Monitor) pumpEvents(ctx context.Context, events <-chan channel.Event) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.HandleEvent(evt)
		}
	}
}

// HandleEvent applies one channel lifecycle event to the persisted record.
func (m *Monitor) HandleEvent(evt channel.Event) {
	sess, err := m.storage.Get(evt.SessionID)
	if err != nil {
		m.logger.Error("failed to load session for event", "session_id", evt.SessionID, "error", err)
		return
	}
	if sess == nil {
		m.logger.Warn("event for unknown session", "session_id", evt.SessionID, "kind", evt.Kind)
		return
	}

	now := time.Now()
	switch evt.Kind {
	case channel.EventQRReady:
		sess.Status = StatusQRReady
		sess.SetQR(evt.QRCode, now)
		sess.AppendLog(StatusQRReady, "qr code issued")
	case channel.EventAuthenticated:
		sess.Status = StatusAuthenticated
		sess.AppendLog(StatusAuthenticated, "pairing authenticated")
	case channel.EventReady:
		sess.Status = StatusConnected
		sess.Identity = evt.Identity
		sess.LastActivity = now
		sess.QRCode = ""
		sess.QRGeneratedAt = nil
		sess.AppendLog(StatusConnected, "channel ready")
	case channel.EventDisconnected:
		sess.Status = StatusDisconnected
		sess.AppendLog(StatusDisconnected, evt.Reason)
	default:
		return
	}

	if err := m.storage.Put(sess); err != nil {
		m.logger.Error("failed to persist session after event",
			"session_id", sess.ID, "kind", evt.Kind, "error", err)
	}
}
