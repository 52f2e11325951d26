// Package api exposes lanes, manual sessions, scrapes and operator controls over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/keypool"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/proxy"
	"github.com/shehryarbajwa/scrapelane/internal/queue"
	"github.com/shehryarbajwa/scrapelane/internal/ratelimit"
	"github.com/shehryarbajwa/scrapelane/internal/reaper"
	"github.com/shehryarbajwa/scrapelane/internal/scheduler"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/settlement"
	"github.com/shehryarbajwa/scrapelane/internal/store"
)

// Deps are the services behind the routes. Scheduler, Keys and Limiter may be nil.
type Deps struct {
	Store      *store.Store
	Directory  *directory.Directory
	Sessions   *session.Manager
	Queue      *queue.Service
	Scheduler  *scheduler.Manager
	Settlement *settlement.Gate
	Reaper     *reaper.Reaper
	Keys       *keypool.Pool
	Proxy      *proxy.Server
	Limiter    *ratelimit.Limiter
}

type Options struct {
	AdminToken string
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	Deps
	opts Options
	log  *zap.Logger
}

func NewHandler(deps Deps, opts Options, log *zap.Logger) *Handler {
	return &Handler{
		Deps: deps,
		opts: opts,
		log:  logging.OrNop(log).With(logging.Component("api")),
	}
}

// Routes builds the router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, h.accessLog)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)

	admin.HandleFunc("/credentials", h.ListCredentials).Methods(http.MethodGet)
	admin.HandleFunc("/credentials", h.CreateCredential).Methods(http.MethodPost)
	admin.HandleFunc("/credentials/{id}", h.GetCredential).Methods(http.MethodGet)
	admin.HandleFunc("/credentials/{id}", h.UpdateCredential).Methods(http.MethodPatch)
	admin.HandleFunc("/credentials/{id}/default", h.SetDefaultCredential).Methods(http.MethodPost)
	admin.HandleFunc("/credentials/{id}/deactivate", h.DeactivateCredential).Methods(http.MethodPost)

	admin.HandleFunc("/profiles", h.ListProfiles).Methods(http.MethodGet)
	admin.HandleFunc("/profiles", h.CreateProfile).Methods(http.MethodPost)
	admin.HandleFunc("/profiles/{id}", h.GetProfile).Methods(http.MethodGet)
	admin.HandleFunc("/profiles/{id}", h.UpdateProfile).Methods(http.MethodPatch)

	admin.HandleFunc("/assignments", h.ListAssignments).Methods(http.MethodGet)
	admin.HandleFunc("/assignments/{user}", h.AssignProfile).Methods(http.MethodPut)
	admin.HandleFunc("/assignments/{user}", h.UnassignProfile).Methods(http.MethodDelete)

	admin.HandleFunc("/scrapes", h.AdminListScrapes).Methods(http.MethodGet)
	admin.HandleFunc("/scrapes/{id}", h.AdminScrapeStatus).Methods(http.MethodGet)
	admin.HandleFunc("/scrapes/{id}/approve", h.ApproveScrape).Methods(http.MethodPost)
	admin.HandleFunc("/scrapes/{id}/reject", h.RejectScrape).Methods(http.MethodPost)
	admin.HandleFunc("/scrapes/{id}/finalize", h.FinalizeScrape).Methods(http.MethodPost)
	admin.HandleFunc("/scrapes/{id}/cancel", h.AdminCancelScrape).Methods(http.MethodPost)

	admin.HandleFunc("/processors", h.ListProcessors).Methods(http.MethodGet)
	admin.HandleFunc("/processors/sync", h.SyncProcessors).Methods(http.MethodPost)
	admin.HandleFunc("/processors/{lane}/start", h.StartProcessor).Methods(http.MethodPost)
	admin.HandleFunc("/processors/{lane}/stop", h.StopProcessor).Methods(http.MethodPost)

	admin.HandleFunc("/lanes/{id}/release", h.ForceRelease).Methods(http.MethodPost)
	admin.HandleFunc("/sessions", h.AdminListSessions).Methods(http.MethodGet)
	admin.HandleFunc("/reaper", h.ReaperStats).Methods(http.MethodGet)
	admin.HandleFunc("/reaper/sweep", h.ReaperSweep).Methods(http.MethodPost)
	admin.HandleFunc("/keys", h.KeyStats).Methods(http.MethodGet)

	user := api.PathPrefix("").Subrouter()
	user.Use(h.requireUser, RateLimitMiddleware(h.Limiter))

	user.HandleFunc("/lanes", h.ListLanes).Methods(http.MethodGet)
	user.HandleFunc("/lanes/{id}", h.GetLane).Methods(http.MethodGet)

	user.HandleFunc("/sessions", h.StartSession).Methods(http.MethodPost)
	user.HandleFunc("/sessions", h.CloseSessions).Methods(http.MethodDelete)
	user.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	user.HandleFunc("/sessions/{id}/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	user.HandleFunc("/sessions/{id}/ws", h.ProxySession).Methods(http.MethodGet)

	user.HandleFunc("/scrapes", h.SubmitScrape).Methods(http.MethodPost)
	user.HandleFunc("/scrapes", h.ListScrapes).Methods(http.MethodGet)
	user.HandleFunc("/scrapes/{id}", h.ScrapeStatus).Methods(http.MethodGet)
	user.HandleFunc("/scrapes/{id}", h.CancelScrape).Methods(http.MethodDelete)

	// Preflight requests are answered by corsMiddleware.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}
