package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Health handles GET /health. A ConfigurationError shows up here as 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database unreachable"})
		return
	}
	if err := h.Directory.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "ok"}
	if h.Scheduler != nil {
		body["processors"] = len(h.Scheduler.Status())
	}
	writeJSON(w, http.StatusOK, body)
}

// ListLanes handles GET /v1/lanes
func (h *Handler) ListLanes(w http.ResponseWriter, r *http.Request) {
	lanes, err := h.Sessions.Lanes(r.Context(), userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lanes)
}

// GetLane handles GET /v1/lanes/{id}
func (h *Handler) GetLane(w http.ResponseWriter, r *http.Request) {
	view, err := h.Sessions.LaneState(r.Context(), mux.Vars(r)["id"], userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StartSession handles POST /v1/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sessions.StartManual(r.Context(), userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	viewer := userID(r.Context())
	sess, err := h.Sessions.GetSession(r.Context(), mux.Vars(r)["id"], viewer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sess.UserID != viewer {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Heartbeat handles POST /v1/sessions/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.RefreshHeartbeat(r.Context(), mux.Vars(r)["id"], userID(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseSessions handles DELETE /v1/sessions. Closing nothing is not an error.
func (h *Handler) CloseSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sessions.CloseManual(r.Context(), userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// ProxySession handles GET /v1/sessions/{id}/ws
func (h *Handler) ProxySession(w http.ResponseWriter, r *http.Request) {
	if h.Proxy == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
		return
	}
	h.Proxy.Serve(w, r, mux.Vars(r)["id"], userID(r.Context()))
}

// SubmitScrape handles POST /v1/scrapes
func (h *Handler) SubmitScrape(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitScrapeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.Queue.Submit(r.Context(), userID(r.Context()), req.URL, req.Pages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.Queue.Status(r.Context(), created.ID, created.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// ListScrapes handles GET /v1/scrapes
func (h *Handler) ListScrapes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.Queue.ListForUser(r.Context(), userID(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ScrapeRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ScrapeStatus handles GET /v1/scrapes/{id}
func (h *Handler) ScrapeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Queue.Status(r.Context(), mux.Vars(r)["id"], userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CancelScrape handles DELETE /v1/scrapes/{id}
func (h *Handler) CancelScrape(w http.ResponseWriter, r *http.Request) {
	req, err := h.Queue.Cancel(r.Context(), mux.Vars(r)["id"], userID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
