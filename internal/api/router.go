package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/session", h.CreateSession)
	mux.HandleFunc("GET /v1/session", h.SessionStatus)
	mux.HandleFunc("DELETE /v1/session", h.DisconnectSession)

	mux.HandleFunc("POST /v1/contacts", h.AddContact)

	mux.HandleFunc("POST /v1/campaigns", h.CreateCampaign)
	mux.HandleFunc("GET /v1/campaigns/{id}", h.GetCampaign)
	mux.HandleFunc("GET /v1/campaigns/{id}/messages", h.ListMessages)
	mux.HandleFunc("POST /v1/campaigns/{id}/start", h.StartCampaign)
	mux.HandleFunc("POST /v1/campaigns/{id}/schedule", h.ScheduleCampaign)
	mux.HandleFunc("DELETE /v1/campaigns/{id}/schedule", h.UnscheduleCampaign)

	mux.HandleFunc("GET /v1/progress", h.Progress)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wablast"))
	})

	return mux
}
