package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/tmaklein/campaigner/internal/campaign"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name      string                  `json:"name"`
	SessionID string                  `json:"sessionId"`
	Priority  campaign.Priority       `json:"priority,omitempty"`
	Timing    campaign.Timing         `json:"timing"`
	Template  campaign.Message        `json:"template"`
	Sequences []campaign.SequenceStep `json:"sequences,omitempty"`
	Contacts  []campaign.Contact      `json:"contacts"`
}

// UpdateMessageRequest is the request body for PATCH /campaigns/{id}/messages/{index}
type UpdateMessageRequest struct {
	Status         campaign.EntryStatus `json:"status"`
	AdditionalData map[string]string    `json:"additionalData,omitempty"`
}

// UpdateMessageResponse reports the entry after an external status update
type UpdateMessageResponse struct {
	Entry              campaign.QueueEntry `json:"entry"`
	CancelledFollowUps int                 `json:"cancelledFollowUps"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCreateCampaign handles POST /api/v1/campaigns. The campaign is
// created in draft with its message queue compiled from the inline contact
// set; starting it is a separate call.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.SessionID == "" {
		s.sendError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if len(req.Contacts) == 0 {
		s.sendError(w, http.StatusBadRequest, "contacts is required")
		return
	}
	if req.Priority == "" {
		req.Priority = campaign.PriorityMedium
	}
	switch req.Priority {
	case campaign.PriorityHigh, campaign.PriorityMedium, campaign.PriorityLow:
	default:
		s.sendError(w, http.StatusBadRequest, "priority must be high, medium or low")
		return
	}

	now := time.Now()
	c := &campaign.Campaign{
		ID:        uuid.New().String(),
		Name:      req.Name,
		SessionID: req.SessionID,
		Priority:  req.Priority,
		Status:    campaign.StatusDraft,
		Timing:    req.Timing,
		Template:  req.Template,
		Sequences: req.Sequences,
		CreatedAt: now,
		UpdatedAt: now,
	}
	campaign.CompileQueue(c, req.Contacts)

	if err := campaign.ValidateForStart(c); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.campaigns.Put(c); err != nil {
		s.logger.Error("failed to store campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store campaign")
		return
	}

	s.logger.Info("campaign created",
		"id", c.ID,
		"name", c.Name,
		"session_id", c.SessionID,
		"contacts", c.Stats.TotalContacts,
		"queue_len", len(c.MessageQueue),
	)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns with an optional
// ?status= filter.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	var (
		list []*campaign.Campaign
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = s.campaigns.ListByStatus(campaign.Status(status))
	} else {
		list, err = s.campaigns.List()
	}
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}. Only drafts
// and terminal campaigns may be removed; anything active must be cancelled
// first.
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if c.Status != campaign.StatusDraft && !c.Status.IsTerminal() {
		s.sendError(w, http.StatusConflict, "campaign is active, cancel it first")
		return
	}
	if err := s.campaigns.Delete(c.ID); err != nil {
		s.logger.Error("failed to delete campaign", "id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTransition builds the handler for the lifecycle endpoints. Starting
// a draft re-validates the content and requires a connected session; the
// other edges are pure state-machine moves.
func (s *Server) handleTransition(to campaign.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.loadCampaign(w, r)
		if !ok {
			return
		}

		if to == campaign.StatusRunning && c.Status != campaign.StatusPaused {
			if err := campaign.ValidateForStart(c); err != nil {
				s.sendError(w, http.StatusBadRequest, err.Error())
				return
			}
			sess, err := s.sessions.Get(c.SessionID)
			if err != nil {
				s.logger.Error("failed to load session", "session_id", c.SessionID, "error", err)
				s.sendError(w, http.StatusInternalServerError, "Failed to load session")
				return
			}
			if sess == nil || !sess.Usable() {
				s.sendError(w, http.StatusConflict, "session is not connected")
				return
			}
		}

		if err := c.Transition(to); err != nil {
			var terr *campaign.TransitionError
			if errors.As(err, &terr) {
				s.sendError(w, http.StatusConflict, terr.Error())
				return
			}
			s.sendError(w, http.StatusInternalServerError, "Failed to transition campaign")
			return
		}

		if err := s.campaigns.Put(c); err != nil {
			s.logger.Error("failed to store campaign", "id", c.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to store campaign")
			return
		}

		s.logger.Info("campaign transitioned", "id", c.ID, "status", c.Status)
		s.sendJSON(w, http.StatusOK, c)
	}
}

// handleUpdateMessage handles PATCH /api/v1/campaigns/{id}/messages/{index}.
// External delivery feedback lands here; a reply or opt-out cancels the
// contact's remaining follow-ups in the same update.
func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "index must be an integer")
		return
	}

	var req UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" {
		s.sendError(w, http.StatusBadRequest, "status is required")
		return
	}

	cancelled, err := c.ApplyEntryStatus(index, req.Status, time.Now())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &c.MessageQueue[index]
	if id := req.AdditionalData["messageId"]; id != "" {
		entry.MessageID = id
	}
	if msg := req.AdditionalData["errorMessage"]; msg != "" {
		entry.ErrorMessage = msg
	}

	c.RecomputeStats()
	if err := s.campaigns.Put(c); err != nil {
		s.logger.Error("failed to store campaign", "id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store campaign")
		return
	}

	s.logger.Info("message status updated",
		"campaign_id", c.ID,
		"index", index,
		"status", req.Status,
		"cancelled_follow_ups", cancelled,
	)
	s.sendJSON(w, http.StatusOK, UpdateMessageResponse{
		Entry:              *entry,
		CancelledFollowUps: cancelled,
	})
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleGetSession handles GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}
	s.sendJSON(w, http.StatusOK, sess)
}

// handleSessionQR handles GET /api/v1/sessions/{id}/qr.png. The pairing
// code is only rendered while it is still scannable; after that the client
// gets 410 and should trigger a fresh pairing.
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}

	code, ok := sess.CurrentQR(time.Now())
	if !ok {
		s.sendError(w, http.StatusGone, "no valid QR code for this session")
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("failed to render QR code", "session_id", sess.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// handleSessionCheck handles POST /api/v1/sessions/{id}/check: an on-demand
// reconciliation pass, returning the session as persisted afterwards.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.monitor != nil {
		s.monitor.CheckNow(r.Context())
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}
	s.sendJSON(w, http.StatusOK, sess)
}

// loadCampaign resolves {id} to a stored campaign, writing the error
// response itself when it cannot.
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}

	c, err := s.campaigns.Get(id)
	if err != nil {
		s.logger.Error("failed to load campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
