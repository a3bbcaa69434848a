package api

import (
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/renderfarm-mini/internal/asset"
	"github.com/shehryarbajwa/renderfarm-mini/internal/job"
	"github.com/shehryarbajwa/renderfarm-mini/internal/ratelimit"
	"github.com/shehryarbajwa/renderfarm-mini/internal/scheduler"
	"github.com/shehryarbajwa/renderfarm-mini/internal/session"
	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Options are the request-layer settings.
type Options struct {
	Workgroup    string
	MajorVersion int
	PublicURL    string
	// RejectBusyWorker refuses new jobs while the session's worker is rendering.
	RejectBusyWorker bool
	RenderOutputDir  string
	ConvertOutputDir string
	// MaxUploadBytes bounds multipart uploads of output files.
	MaxUploadBytes int64
}

// Deps holds everything a Handler is built from.
type Deps struct {
	Sessions  *session.Manager
	Store     store.Store
	Jobs      *job.Engine
	Assets    *asset.Service
	Scheduler scheduler.Scheduler
	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
	Clock   clock.Clock
	Options Options
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.Unimplemented{}
	}
	if deps.Options.MajorVersion == 0 {
		deps.Options.MajorVersion = 1
	}
	if deps.Options.MaxUploadBytes == 0 {
		deps.Options.MaxUploadBytes = 512 << 20
	}
	return &Handler{deps: deps, opts: deps.Options, logger: deps.Logger}
}

// CreateSession handles POST /v1/session
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to create session", err)
		return
	}

	s, err := h.deps.Sessions.Create(r.Context(), req.APIKey, h.opts.Workgroup, req.WorkspaceGuid, req.SceneFilename, req.Debug)
	if err != nil {
		h.writeError(w, r, "failed to create session", err)
		return
	}
	writeData(w, http.StatusCreated, "session", s)
}

// GetSession handles GET /v1/session/{guid}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	s, err := h.deps.Sessions.Get(r.Context(), guid, session.GetOptions{Touch: true, ResolveRefs: true})
	if err != nil {
		h.writeError(w, r, "failed to get session", err)
		return
	}
	writeData(w, http.StatusOK, "session", s)
}

// CloseSession handles DELETE /v1/session/{guid}
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	s, err := h.deps.Sessions.Close(r.Context(), guid)
	if err != nil {
		h.writeError(w, r, "failed to close session", err)
		return
	}
	writeData(w, http.StatusOK, "session", s)
}

type failSessionRequest struct {
	Reason string `json:"reason"`
}

// FailSession handles POST /v1/session/{guid}/fail
func (h *Handler) FailSession(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	var req failSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to fail session", err)
		return
	}
	s, err := h.deps.Sessions.Fail(r.Context(), guid, req.Reason)
	if err != nil {
		h.writeError(w, r, "failed to fail session", err)
		return
	}
	writeData(w, http.StatusOK, "session", s)
}

// ListWorkers handles GET /v1/worker
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.deps.Store.ListWorkers(r.Context(), h.opts.Workgroup)
	if err != nil {
		h.writeError(w, r, "failed to list workers", err)
		return
	}
	if workers == nil {
		workers = []*models.Worker{}
	}
	writeData(w, http.StatusOK, "workers", workers)
}
