package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tmaklein/campaigner/internal/channel"
)

func TestReconcileDecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		persisted Status
		live      Liveness
		want      Status
	}{
		{"live error wins", StatusConnected, Liveness{Error: "stream error"}, StatusError},
		{"connected with identity", StatusQRReady, Liveness{Connected: true, Identity: "15550100"}, StatusConnected},
		{"authenticated without identity", StatusQRReady, Liveness{Connected: true}, StatusAuthenticated},
		{"qr available", StatusConnecting, Liveness{QRCode: "2@abc"}, StatusQRReady},
		{"connecting stays put", StatusConnecting, Liveness{}, StatusConnecting},
		{"connected gone dark", StatusConnected, Liveness{}, StatusDisconnected},
		{"authenticated gone dark", StatusAuthenticated, Liveness{}, StatusDisconnected},
		{"qr_ready unchanged", StatusQRReady, Liveness{}, StatusQRReady},
		{"disconnected unchanged", StatusDisconnected, Liveness{}, StatusDisconnected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reconcile(tc.persisted, tc.live); got != tc.want {
				t.Errorf("Reconcile(%s, %+v) = %s, want %s", tc.persisted, tc.live, got, tc.want)
			}
		})
	}
}

func TestQRValidityEnforcedOnRead(t *testing.T) {
	sess := &Session{ID: "sess1", Status: StatusQRReady}
	now := time.Now()
	sess.SetQR("2@abc", now)

	if _, ok := sess.CurrentQR(now.Add(time.Minute)); !ok {
		t.Error("fresh QR should be readable")
	}
	if _, ok := sess.CurrentQR(now.Add(6 * time.Minute)); ok {
		t.Error("QR past its validity window should be rejected on read")
	}
}

func TestEventLogCap(t *testing.T) {
	sess := &Session{ID: "sess1"}
	for i := 0; i < EventLogCap+20; i++ {
		sess.AppendLog(StatusConnected, "entry")
	}
	if len(sess.EventLog) != EventLogCap {
		t.Errorf("expected log capped at %d, got %d", EventLogCap, len(sess.EventLog))
	}
}

// fakeClient implements channel.Client with scripted liveness.
type fakeClient struct {
	connected bool
	identity  string
	events    chan channel.Event
}

func (f *fakeClient) SendText(ctx context.Context, dest, text string) (string, error) {
	return "msg-1", nil
}
func (f *fakeClient) SendMedia(ctx context.Context, dest string, media channel.Media) (string, error) {
	return "msg-1", nil
}
func (f *fakeClient) IsConnected() bool          { return f.connected }
func (f *fakeClient) GetIdentity() string        { return f.identity }
func (f *fakeClient) Events() <-chan channel.Event {
	if f.events == nil {
		f.events = make(chan channel.Event)
	}
	return f.events
}

func setupMonitor(t *testing.T, client channel.Client) (*Monitor, *Storage) {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sessions.db"), 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	registry := channel.NewRegistry()
	if client != nil {
		registry.Register("sess1", client)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMonitor(storage, registry, time.Minute, logger), storage
}

func TestCheckNowDemotesDeadConnection(t *testing.T) {
	m, storage := setupMonitor(t, &fakeClient{connected: false})

	lastActivity := time.Now().Add(-time.Minute)
	sess := &Session{ID: "sess1", Status: StatusConnected, LastActivity: lastActivity}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.CheckNow(context.Background())

	got, err := storage.Get("sess1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", got.Status)
	}
	if len(got.EventLog) != 1 {
		t.Errorf("expected exactly one event log entry, got %d", len(got.EventLog))
	}
	if !got.LastActivity.Equal(lastActivity) {
		t.Error("LastActivity must not change when the session is not live")
	}
}

func TestCheckNowConfirmsLiveSession(t *testing.T) {
	m, storage := setupMonitor(t, &fakeClient{connected: true, identity: "15550100"})

	stale := time.Now().Add(-time.Hour)
	sess := &Session{ID: "sess1", Status: StatusConnected, Identity: "15550100", LastActivity: stale}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.CheckNow(context.Background())

	got, _ := storage.Get("sess1")
	if got.Status != StatusConnected {
		t.Errorf("live session should stay connected, got %s", got.Status)
	}
	if !got.LastActivity.After(stale) {
		t.Error("LastActivity should refresh when the session is confirmed live")
	}
	if len(got.EventLog) != 0 {
		t.Errorf("no transition means no log entry, got %d", len(got.EventLog))
	}
}

func TestCheckNowPromotesAuthenticatedToConnected(t *testing.T) {
	m, storage := setupMonitor(t, &fakeClient{connected: true, identity: "15550100"})

	sess := &Session{ID: "sess1", Status: StatusAuthenticated, LastActivity: time.Now()}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.CheckNow(context.Background())

	got, _ := storage.Get("sess1")
	if got.Status != StatusConnected {
		t.Errorf("expected connected, got %s", got.Status)
	}
	if got.Identity != "15550100" {
		t.Errorf("expected identity persisted, got %q", got.Identity)
	}
}

func TestCheckNowExpiresIdleQRSession(t *testing.T) {
	m, storage := setupMonitor(t, &fakeClient{connected: false})

	sess := &Session{ID: "sess1", Status: StatusQRReady, LastActivity: time.Now().Add(-10 * time.Minute)}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.CheckNow(context.Background())

	got, _ := storage.Get("sess1")
	if got.Status != StatusDisconnected {
		t.Errorf("idle qr_ready session should be demoted, got %s", got.Status)
	}
}

func TestCheckNowSkipsTerminalStatuses(t *testing.T) {
	m, storage := setupMonitor(t, &fakeClient{connected: true, identity: "15550100"})

	sess := &Session{ID: "sess1", Status: StatusDisconnected, LastActivity: time.Now().Add(-time.Hour)}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.CheckNow(context.Background())

	got, _ := storage.Get("sess1")
	if got.Status != StatusDisconnected {
		t.Errorf("disconnected sessions are not probed, got %s", got.Status)
	}
}

func TestHandleEventQRThenReady(t *testing.T) {
	m, storage := setupMonitor(t, nil)

	sess := &Session{ID: "sess1", Status: StatusConnecting}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.HandleEvent(channel.Event{SessionID: "sess1", Kind: channel.EventQRReady, QRCode: "2@abc"})

	got, _ := storage.Get("sess1")
	if got.Status != StatusQRReady {
		t.Fatalf("expected qr_ready, got %s", got.Status)
	}
	if qr, ok := got.CurrentQR(time.Now()); !ok || qr != "2@abc" {
		t.Errorf("expected QR payload stored, got %q ok=%v", qr, ok)
	}

	m.HandleEvent(channel.Event{SessionID: "sess1", Kind: channel.EventAuthenticated})
	m.HandleEvent(channel.Event{SessionID: "sess1", Kind: channel.EventReady, Identity: "15550100"})

	got, _ = storage.Get("sess1")
	if got.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", got.Status)
	}
	if got.Identity != "15550100" {
		t.Errorf("expected identity from ready event, got %q", got.Identity)
	}
	if got.QRCode != "" {
		t.Error("QR payload should be cleared once connected")
	}
	if len(got.EventLog) != 3 {
		t.Errorf("expected 3 log entries, got %d", len(got.EventLog))
	}
}

func TestHandleEventDisconnected(t *testing.T) {
	m, storage := setupMonitor(t, nil)

	sess := &Session{ID: "sess1", Status: StatusConnected, Identity: "15550100"}
	if err := storage.Put(sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	m.HandleEvent(channel.Event{SessionID: "sess1", Kind: channel.EventDisconnected, Reason: "logged out"})

	got, _ := storage.Get("sess1")
	if got.Status != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", got.Status)
	}
	if len(got.EventLog) != 1 || got.EventLog[0].Detail != "logged out" {
		t.Errorf("expected reason captured in log, got %+v", got.EventLog)
	}
}
