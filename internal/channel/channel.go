package channel

import (
	"context"
	"sync"
	"time"
)

// EventKind tags a channel lifecycle event.
type EventKind string

const (
	EventQRReady       EventKind = "qr_ready"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
)

// Event is one channel lifecycle notification. The session monitor folds
// these into persisted session state; nothing else consumes them.
type Event struct {
	SessionID string
	Kind      EventKind
	QRCode    string // EventQRReady
	Identity  string // EventReady
	Reason    string // EventDisconnected
	At        time.Time
}

// Media is an attachment payload handed to the channel client.
type Media struct {
	Type    string // image, video, document
	URL     string
	Caption string
}

// Client is the contract the engine consumes from a messaging channel. The
// protocol behind it is not this engine's concern.
type Client interface {
	SendText(ctx context.Context, destination, text string) (string, error)
	SendMedia(ctx context.Context, destination string, media Media) (string, error)
	IsConnected() bool
	GetIdentity() string
	Events() <-chan Event
}

// Registry maps session IDs to live channel clients. One registry instance
// is owned by the app and injected into the monitor and the dispatch loop;
// there is no ambient global.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a client to a session ID, replacing any previous binding.
func (r *Registry) Register(sessionID string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = c
}

// Get returns the client bound to a session, if any.
func (r *Registry) Get(sessionID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[sessionID]
	return c, ok
}

// Remove unbinds a session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
}

// SessionIDs returns the currently bound session IDs.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
