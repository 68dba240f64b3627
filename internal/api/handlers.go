// Package api maps the dispatch core's operation contracts onto HTTP for
// the dashboard layer. It is a thin translation: decode, call, encode, and
// turn precondition errors into meaningful status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wablast/internal/dispatch"
	"wablast/internal/progress"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/pkg/logx"
)

type SessionService interface {
	Create(ctx context.Context) (string, error)
	Status() session.Status
	Disconnect(ctx context.Context) error
}

type Dispatcher interface {
	Start(ctx context.Context, campaignID string) (dispatch.Ack, error)
}

type Scheduler interface {
	Schedule(campaignID, spec string) error
	Unschedule(campaignID string) bool
}

type ProgressReader interface {
	Snapshot() progress.Snapshot
}

type Handler struct {
	sessions   SessionService
	dispatcher Dispatcher
	sched      Scheduler
	store      storage.Store
	pub        ProgressReader
	log        logx.Logger
}

func NewHandler(sessions SessionService, dispatcher Dispatcher, sched Scheduler,
	store storage.Store, pub ProgressReader, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		sessions:   sessions,
		dispatcher: dispatcher,
		sched:      sched,
		store:      store,
		pub:        pub,
		log:        log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.Create(r.Context())
	if errors.Is(err, session.ErrTransportUnavailable) {
		writeError(w, http.StatusBadGateway, "transport_unavailable", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id})
}

func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	st := h.sessions.Status()
	resp := map[string]any{"status": string(st.State)}
	if st.ID != "" {
		resp["sessionId"] = st.ID
	}
	if st.LinkCode != "" {
		resp["linkCode"] = st.LinkCode
	}
	if st.State == session.StateAuthenticated {
		resp["linkedIdentity"] = map[string]string{
			"phone": st.Identity.Phone,
			"name":  st.Identity.Name,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context()); err != nil {
		h.log.Warn("disconnect returned error", logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createCampaignRequest struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Name == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("name and body are required"))
		return
	}
	c, err := h.store.CreateCampaign(r.Context(), req.Name, req.Body)
	if errors.Is(err, storage.ErrBodyTooLong) {
		writeError(w, http.StatusUnprocessableEntity, "body_too_long", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusCreated, campaignJSON(c))
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign_not_found", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, campaignJSON(c))
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		item := map[string]any{
			"id":     m.ID,
			"phone":  m.Phone,
			"status": string(m.Status),
		}
		if m.Error != "" {
			item["error"] = m.Error
		}
		if m.SentAt != nil {
			item["sentAt"] = m.SentAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	ack, err := h.dispatcher.Start(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, dispatch.ErrSessionNotAuthenticated):
		writeError(w, http.StatusConflict, "session_not_authenticated", err)
	case errors.Is(err, dispatch.ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, "campaign_not_found", err)
	case errors.Is(err, dispatch.ErrCampaignAlreadyProcessed):
		writeError(w, http.StatusConflict, "campaign_already_processed", err)
	case errors.Is(err, dispatch.ErrNoRecipients):
		writeError(w, http.StatusUnprocessableEntity, "no_recipients", err)
	case errors.Is(err, dispatch.ErrDispatchInFlight):
		writeError(w, http.StatusConflict, "dispatch_in_flight", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":        true,
			"totalRecipients": ack.Total,
		})
	}
}

type scheduleRequest struct {
	Spec string `json:"spec"`
}

func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	id := r.PathValue("id")
	if _, err := h.store.GetCampaign(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign_not_found", err)
		return
	}
	if err := h.sched.Schedule(id, req.Spec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled": true})
}

func (h *Handler) UnscheduleCampaign(w http.ResponseWriter, r *http.Request) {
	removed := h.sched.Unschedule(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

type addContactRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

func (h *Handler) AddContact(w http.ResponseWriter, r *http.Request) {
	var req addContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	c, err := h.store.AddContact(r.Context(), req.Phone, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_contact", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": c.ID, "phone": c.Phone, "name": c.Name})
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	snap := h.pub.Snapshot()
	resp := map[string]any{
		"isActive":   snap.Active,
		"percentage": snap.Percent,
		"total":      snap.Total,
		"processed":  snap.Processed,
	}
	if snap.Active {
		resp["currentCampaign"] = snap.Campaign
	}
	writeJSON(w, http.StatusOK, resp)
}

func campaignJSON(c storage.Campaign) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"name":      c.Name,
		"body":      c.Body,
		"status":    string(c.Status),
		"total":     c.Total,
		"sent":      c.Sent,
		"failed":    c.Failed,
		"createdAt": c.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"code": code, "error": msg})
}
