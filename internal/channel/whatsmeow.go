package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// WhatsmeowClient binds the engine's channel contract to a whatsmeow
// session. The device state lives in a sqlite container next to the
// coordination store.
type WhatsmeowClient struct {
	sessionID string
	client    *whatsmeow.Client
	events    chan Event
	httpc     *http.Client
	logger    *slog.Logger
}

// NewWhatsmeowClient creates a client for one session backed by the sqlite
// device container at dsn.
func NewWhatsmeowClient(ctx context.Context, sessionID, dsn string, logger *slog.Logger) (*WhatsmeowClient, error) {
	waLogger := waLog.Stdout("whatsmeow", "WARN", true)

	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open device container: %w", err)
	}

	// GetFirstDevice hands back a fresh device when none is stored yet, so
	// an error here is a real storage failure, not a missing pairing.
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	w := &WhatsmeowClient{
		sessionID: sessionID,
		client:    whatsmeow.NewClient(device, waLogger),
		events:    make(chan Event, 32),
		httpc:     &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
	w.client.AddEventHandler(w.handleEvent)
	return w, nil
}

func (w *WhatsmeowClient) handleEvent(evt interface{}) {
	switch evt.(type) {
	case *events.PairSuccess:
		w.emit(Event{Kind: EventAuthenticated})
	case *events.Connected:
		w.emit(Event{Kind: EventReady, Identity: w.GetIdentity()})
	case *events.Disconnected:
		w.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.LoggedOut:
		w.emit(Event{Kind: EventDisconnected, Reason: "logged out"})
	case *events.StreamReplaced:
		w.emit(Event{Kind: EventDisconnected, Reason: "stream replaced"})
	}
}

func (w *WhatsmeowClient) emit(evt Event) {
	evt.SessionID = w.sessionID
	evt.At = time.Now()
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("channel event dropped, consumer lagging", "session_id", w.sessionID, "kind", evt.Kind)
	}
}

// Connect starts the connection. An unpaired device goes through QR pairing;
// each fresh code is surfaced as a qr_ready event for the session monitor.
func (w *WhatsmeowClient) Connect(ctx context.Context) error {
	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					w.emit(Event{Kind: EventQRReady, QRCode: item.Code})
				case "timeout":
					w.emit(Event{Kind: EventDisconnected, Reason: "qr pairing timed out"})
				}
			}
		}()
	}
	return w.client.Connect()
}

// Disconnect tears the connection down.
func (w *WhatsmeowClient) Disconnect() {
	w.client.Disconnect()
}

// IsConnected reports live connectivity.
func (w *WhatsmeowClient) IsConnected() bool {
	return w.client.IsConnected()
}

// GetIdentity returns the paired phone address, or empty until pairing
// resolves one.
func (w *WhatsmeowClient) GetIdentity() string {
	if w.client.Store != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.User
	}
	return ""
}

// Events exposes the lifecycle event stream.
func (w *WhatsmeowClient) Events() <-chan Event {
	return w.events
}

func (w *WhatsmeowClient) destinationJID(destination string) (types.JID, error) {
	if strings.Contains(destination, "@") {
		return types.ParseJID(destination)
	}
	return types.NewJID(strings.TrimPrefix(destination, "+"), types.DefaultUserServer), nil
}

// SendText sends a plain text message and returns the channel message ID.
func (w *WhatsmeowClient) SendText(ctx context.Context, destination, text string) (string, error) {
	jid, err := w.destinationJID(destination)
	if err != nil {
		return "", fmt.Errorf("parse destination: %w", err)
	}
	resp, err := w.client.SendMessage(ctx, jid, &waProto.Message{Conversation: strptr(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// SendMedia fetches the media payload, uploads it to the channel and sends
// it with the caption.
func (w *WhatsmeowClient) SendMedia(ctx context.Context, destination string, media Media) (string, error) {
	jid, err := w.destinationJID(destination)
	if err != nil {
		return "", fmt.Errorf("parse destination: %w", err)
	}

	data, mime, err := w.fetch(ctx, media.URL)
	if err != nil {
		return "", err
	}

	var msg *waProto.Message
	switch media.Type {
	case "image":
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return "", fmt.Errorf("upload image: %w", err)
		}
		length := uint64(len(data))
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       optstr(media.Caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	case "video":
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return "", fmt.Errorf("upload video: %w", err)
		}
		length := uint64(len(data))
		msg = &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption:       optstr(media.Caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	default:
		up, err := w.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return "", fmt.Errorf("upload document: %w", err)
		}
		length := uint64(len(data))
		msg = &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Caption:       optstr(media.Caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	}

	resp, err := w.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (w *WhatsmeowClient) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := w.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body)
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	mime := res.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return body, mime, nil
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
