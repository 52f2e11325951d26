package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type createCredentialRequest struct {
	models.CredentialInput
	IsDefault bool `json:"isDefault"`
}

type assignRequest struct {
	ProfileID string `json:"profileId"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// ListCredentials handles GET /v1/admin/credentials
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Directory.ListCredentials(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

// CreateCredential handles POST /v1/admin/credentials
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Directory.CreateCredential(r.Context(), req.CredentialInput, req.IsDefault)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.syncLanes(r)
	writeJSON(w, http.StatusCreated, c)
}

// GetCredential handles GET /v1/admin/credentials/{id}
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.Directory.GetCredential(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCredential handles PATCH /v1/admin/credentials/{id}
func (h *Handler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	var in models.CredentialInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Directory.UpdateCredential(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if in.IsActive != nil {
		h.syncLanes(r)
	}
	writeJSON(w, http.StatusOK, c)
}

// SetDefaultCredential handles POST /v1/admin/credentials/{id}/default
func (h *Handler) SetDefaultCredential(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Directory.SetDefault(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetCredential(w, r)
}

// DeactivateCredential handles POST /v1/admin/credentials/{id}/deactivate
func (h *Handler) DeactivateCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.DeactivateCredential(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.syncLanes(r)
	h.GetCredential(w, r)
}

// syncLanes starts or stops processors after a lane was added or removed.
func (h *Handler) syncLanes(r *http.Request) {
	if h.Scheduler == nil {
		return
	}
	if err := h.Scheduler.Sync(r.Context()); err != nil {
		h.log.Warn("lane sync after credential change failed", zap.Error(err))
	}
}

// ListProfiles handles GET /v1/admin/profiles?credential=
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Directory.ListProfiles(r.Context(), r.URL.Query().Get("credential"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// CreateProfile handles POST /v1/admin/profiles
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in models.ProfileInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Directory.CreateProfile(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProfile handles GET /v1/admin/profiles/{id}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Directory.GetProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProfile handles PATCH /v1/admin/profiles/{id}
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in models.ProfileInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Directory.UpdateProfile(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListAssignments handles GET /v1/admin/assignments
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Directory.ListAssignments(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// AssignProfile handles PUT /v1/admin/assignments/{user}. Last write wins.
func (h *Handler) AssignProfile(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Directory.AssignProfile(r.Context(), mux.Vars(r)["user"], req.ProfileID, adminID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UnassignProfile handles DELETE /v1/admin/assignments/{user}
func (h *Handler) UnassignProfile(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Directory.UnassignProfile(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// AdminListScrapes handles GET /v1/admin/scrapes?status=&settlement=&user=&limit=
func (h *Handler) AdminListScrapes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f := store.RequestFilter{
		UserID:     q.Get("user"),
		Settlement: models.SettlementStatus(q.Get("settlement")),
		Limit:      limit,
	}
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, models.RequestStatus(s))
	}
	list, err := h.Queue.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.ScrapeRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// AdminScrapeStatus handles GET /v1/admin/scrapes/{id}
func (h *Handler) AdminScrapeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Queue.Status(r.Context(), mux.Vars(r)["id"], "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ApproveScrape handles POST /v1/admin/scrapes/{id}/approve
func (h *Handler) ApproveScrape(w http.ResponseWriter, r *http.Request) {
	req, err := h.Queue.Approve(r.Context(), adminID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// RejectScrape handles POST /v1/admin/scrapes/{id}/reject
func (h *Handler) RejectScrape(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.Queue.Reject(r.Context(), adminID(r.Context()), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// FinalizeScrape handles POST /v1/admin/scrapes/{id}/finalize
func (h *Handler) FinalizeScrape(w http.ResponseWriter, r *http.Request) {
	if h.Settlement == nil {
		h.writeError(w, r, errs.Configf("settlement is not configured"))
		return
	}
	req, err := h.Settlement.Finalize(r.Context(), adminID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AdminCancelScrape handles POST /v1/admin/scrapes/{id}/cancel
func (h *Handler) AdminCancelScrape(w http.ResponseWriter, r *http.Request) {
	req, err := h.Queue.Cancel(r.Context(), mux.Vars(r)["id"], "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListProcessors handles GET /v1/admin/processors
func (h *Handler) ListProcessors(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []models.ProcessorStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// StartProcessor handles POST /v1/admin/processors/{lane}/start
func (h *Handler) StartProcessor(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeError(w, r, errs.Configf("scrape processing is disabled"))
		return
	}
	if err := h.Scheduler.StartProcessor(r.Context(), mux.Vars(r)["lane"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// StopProcessor handles POST /v1/admin/processors/{lane}/stop
func (h *Handler) StopProcessor(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeError(w, r, errs.Configf("scrape processing is disabled"))
		return
	}
	stopped := h.Scheduler.StopProcessor(mux.Vars(r)["lane"])
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// SyncProcessors handles POST /v1/admin/processors/sync
func (h *Handler) SyncProcessors(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeError(w, r, errs.Configf("scrape processing is disabled"))
		return
	}
	if err := h.Scheduler.Sync(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// ForceRelease handles POST /v1/admin/lanes/{id}/release
func (h *Handler) ForceRelease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := h.Sessions.ForceRelease(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Scheduler != nil {
		h.Scheduler.Wake(id)
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// AdminListSessions handles GET /v1/admin/sessions?lane=&status=&limit=
func (h *Handler) AdminListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := h.Sessions.ListSessions(r.Context(), q.Get("lane"), models.SessionStatus(q.Get("status")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ReaperStats handles GET /v1/admin/reaper
func (h *Handler) ReaperStats(w http.ResponseWriter, r *http.Request) {
	if h.Reaper == nil {
		h.writeError(w, r, errs.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.Reaper.Stats())
}

// ReaperSweep handles POST /v1/admin/reaper/sweep
func (h *Handler) ReaperSweep(w http.ResponseWriter, r *http.Request) {
	if h.Reaper == nil {
		h.writeError(w, r, errs.ErrNotFound)
		return
	}
	n, err := h.Reaper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

// KeyStats handles GET /v1/admin/keys. Keys are redacted.
func (h *Handler) KeyStats(w http.ResponseWriter, r *http.Request) {
	if h.Keys == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.Keys.Stats())
}
