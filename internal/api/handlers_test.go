package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmaklein/campaigner/internal/campaign"
	"github.com/tmaklein/campaigner/internal/config"
	"github.com/tmaklein/campaigner/internal/metrics"
	"github.com/tmaklein/campaigner/internal/session"
	"github.com/tmaklein/campaigner/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	campaigns, err := campaign.NewStorage(st.DB())
	if err != nil {
		t.Fatalf("failed to create campaign storage: %v", err)
	}
	sessions, err := session.NewStorage(st.DB())
	if err != nil {
		t.Fatalf("failed to create session storage: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.APIConfig{ListenAddr: ":0", APIKey: "test-key"}

	return NewServer(campaigns, sessions, nil, metrics.New(), cfg, logger)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func createRequest() CreateCampaignRequest {
	return CreateCampaignRequest{
		Name:      "Spring outreach",
		SessionID: "sess1",
		Priority:  campaign.PriorityHigh,
		Timing:    campaign.Timing{IntervalBetweenMessages: 60, MessagesPerHour: 30},
		Template:  campaign.Message{Text: "Hi {name}"},
		Sequences: []campaign.SequenceStep{
			{ID: "followup-1", DelayHours: 24, Message: campaign.Message{Text: "Still interested, {name}?"}},
		},
		Contacts: []campaign.Contact{
			{ID: "contact1", Name: "Ada", Phone: "+15550101"},
			{ID: "contact2", Name: "Grace", Phone: "+15550102"},
		},
	}
}

func createCampaign(t *testing.T, s *Server) *campaign.Campaign {
	t.Helper()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/campaigns", createRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var c campaign.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("failed to decode campaign: %v", err)
	}
	return &c
}

func connectSession(t *testing.T, s *Server, id string) {
	t.Helper()
	if err := s.sessions.Put(&session.Session{
		ID:           id,
		Status:       session.StatusConnected,
		Identity:     "15550100",
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatalf("failed to store session: %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	// Only the Authorization bearer scheme is accepted.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for X-API-Key header, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong token, got %d", rec.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for /health, got %d", rec.Code)
	}
}

func TestCreateCampaign(t *testing.T) {
	s := newTestServer(t)
	c := createCampaign(t, s)

	if c.Status != campaign.StatusDraft {
		t.Errorf("new campaign should be draft, got %s", c.Status)
	}
	// 2 contacts x (primary + 1 follow-up)
	if len(c.MessageQueue) != 4 {
		t.Errorf("expected 4 queue entries, got %d", len(c.MessageQueue))
	}
	if c.MessageQueue[0].Text != "Hi Ada" {
		t.Errorf("template not rendered: %q", c.MessageQueue[0].Text)
	}
	if c.Stats.TotalContacts != 2 {
		t.Errorf("expected 2 contacts in stats, got %d", c.Stats.TotalContacts)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(*CreateCampaignRequest)
	}{
		{"missing name", func(r *CreateCampaignRequest) { r.Name = "" }},
		{"missing session", func(r *CreateCampaignRequest) { r.SessionID = "" }},
		{"no contacts", func(r *CreateCampaignRequest) { r.Contacts = nil }},
		{"bad priority", func(r *CreateCampaignRequest) { r.Priority = "urgent" }},
		{"empty template", func(r *CreateCampaignRequest) { r.Template = campaign.Message{} }},
		{"transformed media", func(r *CreateCampaignRequest) {
			r.Template.Attachments = []campaign.Attachment{
				{Type: "image", URL: "https://cdn.test/cdn-cgi/image/w=100/pic.jpg"},
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := createRequest()
			tc.mutate(&req)
			rec := doRequest(t, s, http.MethodPost, "/api/v1/campaigns", req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCampaignLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := createCampaign(t, s)

	// Starting without a connected session is refused.
	rec := doRequest(t, s, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without session, got %d", rec.Code)
	}

	connectSession(t, s, "sess1")

	steps := []struct {
		action string
		want   campaign.Status
	}{
		{"start", campaign.StatusRunning},
		{"pause", campaign.StatusPaused},
		{"resume", campaign.StatusRunning},
		{"cancel", campaign.StatusCancelled},
	}
	for _, step := range steps {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/"+step.action, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d: %s", step.action, rec.Code, rec.Body.String())
		}
		var got campaign.Campaign
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to decode campaign: %v", err)
		}
		if got.Status != step.want {
			t.Errorf("%s: status = %s, want %s", step.action, got.Status, step.want)
		}
	}

	// Cancelled is terminal.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 restarting a cancelled campaign, got %d", rec.Code)
	}
}

func TestDeleteCampaign(t *testing.T) {
	s := newTestServer(t)
	c := createCampaign(t, s)
	connectSession(t, s, "sess1")

	doRequest(t, s, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 deleting a running campaign, got %d", rec.Code)
	}

	doRequest(t, s, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil)

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestUpdateMessageRepliedCancelsFollowUps(t *testing.T) {
	s := newTestServer(t)
	c := createCampaign(t, s)

	// Entry 0 is contact1's primary, entry 1 its follow-up.
	rec := doRequest(t, s, http.MethodPatch, "/api/v1/campaigns/"+c.ID+"/messages/0",
		UpdateMessageRequest{Status: campaign.EntryReplied})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch returned %d: %s", rec.Code, rec.Body.String())
	}

	var resp UpdateMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Entry.Status != campaign.EntryReplied {
		t.Errorf("entry status = %s, want replied", resp.Entry.Status)
	}
	if resp.CancelledFollowUps != 1 {
		t.Errorf("expected 1 cancelled follow-up, got %d", resp.CancelledFollowUps)
	}

	got, err := s.campaigns.Get(c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.MessageQueue[1].Status != campaign.EntryCancelled {
		t.Errorf("follow-up should be cancelled, got %s", got.MessageQueue[1].Status)
	}
	// contact2's entries are untouched.
	if got.MessageQueue[3].Status != campaign.EntryPending {
		t.Errorf("other contact's follow-up should stay pending, got %s", got.MessageQueue[3].Status)
	}
}

func TestUpdateMessageValidation(t *testing.T) {
	s := newTestServer(t)
	c := createCampaign(t, s)

	rec := doRequest(t, s, http.MethodPatch, "/api/v1/campaigns/"+c.ID+"/messages/99",
		UpdateMessageRequest{Status: campaign.EntrySent})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range index, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPatch, "/api/v1/campaigns/"+c.ID+"/messages/0",
		UpdateMessageRequest{Status: "vanished"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t)
	connectSession(t, s, "sess1")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions returned %d", rec.Code)
	}
	var list []*session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "sess1" {
		t.Errorf("unexpected session list: %+v", list)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/sessions/sess1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get session returned %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/sessions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/sessions/sess1/check", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("session check returned %d", rec.Code)
	}
}

func TestSessionQR(t *testing.T) {
	s := newTestServer(t)

	sess := &session.Session{ID: "sess1", Status: session.StatusQRReady}
	sess.SetQR("pairing-payload", time.Now())
	if err := s.sessions.Put(sess); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions/sess1/qr.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("qr returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %s, want image/png", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected PNG payload")
	}

	// An aged-out code is gone, not served stale.
	sess.SetQR("pairing-payload", time.Now().Add(-6*time.Minute))
	if err := s.sessions.Put(sess); err != nil {
		t.Fatal(err)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/sessions/sess1/qr.png", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("expected 410 for expired QR, got %d", rec.Code)
	}
}
