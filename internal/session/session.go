package session

import (
	"time"
)

// Status represents the persisted connectivity state of a messaging session.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusQRReady       Status = "qr_ready"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
)

// QRValidity bounds how long a QR payload may be served after generation.
// Expiry is enforced on read, not by purging.
const QRValidity = 5 * time.Minute

// IdleExpiry is how long a session may go without confirmed-live activity
// before the monitor demotes it.
const IdleExpiry = 5 * time.Minute

// EventLogCap bounds the persisted event log; the oldest entry is dropped.
const EventLogCap = 100

// LogEntry is one line of the session's bounded event log.
type LogEntry struct {
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// Session is the persisted record of one logical channel connection. It is
// owned by exactly one dispatch loop; the monitor and the send path are its
// only writers.
type Session struct {
	ID            string     `json:"sessionId"`
	Name          string     `json:"name,omitempty"`
	Status        Status     `json:"status"`
	Identity      string     `json:"identity,omitempty"` // resolved phone address
	LastActivity  time.Time  `json:"lastActivity"`
	QRCode        string     `json:"qrCode,omitempty"`
	QRGeneratedAt *time.Time `json:"qrGeneratedAt,omitempty"`
	EventLog      []LogEntry `json:"eventLog,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Usable reports whether the dispatch loop may send through this session.
func (s *Session) Usable() bool {
	return s.Status == StatusConnected
}

// AppendLog records a state change, dropping the oldest entry past the cap.
func (s *Session) AppendLog(status Status, detail string) {
	s.EventLog = append(s.EventLog, LogEntry{At: time.Now(), Status: status, Detail: detail})
	if len(s.EventLog) > EventLogCap {
		s.EventLog = s.EventLog[len(s.EventLog)-EventLogCap:]
	}
}

// SetQR stores a fresh QR payload with its generation time.
func (s *Session) SetQR(code string, at time.Time) {
	s.QRCode = code
	s.QRGeneratedAt = &at
}

// CurrentQR returns the QR payload if one exists and is still within its
// validity window.
func (s *Session) CurrentQR(now time.Time) (string, bool) {
	if s.QRCode == "" || s.QRGeneratedAt == nil {
		return "", false
	}
	if now.Sub(*s.QRGeneratedAt) > QRValidity {
		return "", false
	}
	return s.QRCode, true
}
