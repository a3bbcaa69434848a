package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/session"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// jobPayload hides camera data, which can be large and is only needed by
// the worker.
func jobPayload(j *models.Job) *models.Job {
	c := j.Clone()
	if c.Render != nil {
		c.Render.CameraJSON = nil
	}
	return c
}

// ListJobs handles GET /v1/job
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Store.ListActiveJobs(r.Context(), h.opts.Workgroup)
	if err != nil {
		h.writeError(w, r, "failed to get active jobs", err)
		return
	}
	payload := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		payload = append(payload, jobPayload(j))
	}
	writeData(w, http.StatusOK, "jobs", payload)
}

// GetJob handles GET /v1/job/{guid}. Polling a job keeps its session alive.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	j, err := h.deps.Store.GetJob(r.Context(), guid)
	if err != nil {
		h.writeError(w, r, "failed to get job", err)
		return
	}
	if j.SessionGuid != "" {
		if _, err := h.deps.Sessions.Touch(r.Context(), j.SessionGuid); err != nil {
			h.logger.Debug("job session not touched",
				zap.String("job-guid", j.Guid),
				zap.String("session-guid", j.SessionGuid),
				zap.Error(err))
		}
	}
	writeData(w, http.StatusOK, "jobs", jobPayload(j))
}

// CreateRenderJob handles POST /v1/job
func (h *Handler) CreateRenderJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRenderJobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to create job", err)
		return
	}
	switch {
	case req.SessionGuid == "":
		h.writeError(w, r, "failed to create job", derror.Validation("missing session_guid"))
		return
	case len(req.CameraJSON) == 0 || string(req.CameraJSON) == "null":
		h.writeError(w, r, "failed to create job", derror.Validation("missing camera_json"))
		return
	case req.RenderWidth <= 0:
		h.writeError(w, r, "failed to create job", derror.Validation("missing render_width"))
		return
	case req.RenderHeight <= 0:
		h.writeError(w, r, "failed to create job", derror.Validation("missing render_height"))
		return
	}

	h.startJob(w, r, req.SessionGuid, func(j *models.Job) {
		j.Render = &models.RenderParams{
			CameraJSON:     req.CameraJSON,
			RenderWidth:    req.RenderWidth,
			RenderHeight:   req.RenderHeight,
			Alpha:          req.Alpha,
			RenderSettings: req.RenderSettings,
		}
	})
}

// CreateConvertJob handles POST /v1/job/convert
func (h *Handler) CreateConvertJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConvertJobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to create job", err)
		return
	}
	switch {
	case req.SessionGuid == "":
		h.writeError(w, r, "failed to create job", derror.Validation("missing session_guid"))
		return
	case req.InputURL == "":
		h.writeError(w, r, "failed to create job", derror.Validation("missing input_url"))
		return
	}

	h.startJob(w, r, req.SessionGuid, func(j *models.Job) {
		j.Convert = &models.ConvertParams{InputURL: req.InputURL, Settings: req.Settings}
	})
}

// startJob persists a pending job for the session and hands it to the
// engine. The response does not wait for the job to run.
func (h *Handler) startJob(w http.ResponseWriter, r *http.Request, sessionGuid string, fill func(*models.Job)) {
	ctx := r.Context()

	s, err := h.deps.Sessions.Get(ctx, sessionGuid, session.GetOptions{Touch: true})
	if err != nil {
		h.writeError(w, r, "failed to create job", err)
		return
	}
	if h.opts.RejectBusyWorker && h.deps.Jobs.WorkerBusy(s.WorkerGuid) {
		h.writeError(w, r, "failed to create job", derror.Forbidden("session busy"))
		return
	}

	now := h.deps.Clock.Now()
	j := &models.Job{
		Guid:        uuid.NewString(),
		APIKey:      s.APIKey,
		WorkerGuid:  s.WorkerGuid,
		SessionGuid: s.Guid,
		State:       models.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fill(j)

	if err := h.deps.Store.CreateJob(ctx, j); err != nil {
		h.writeError(w, r, "failed to create job", err)
		return
	}
	h.deps.Jobs.Start(s, j)

	h.logger.Info("job created",
		zap.String("job-guid", j.Guid),
		zap.String("session-guid", s.Guid),
		zap.String("worker-guid", s.WorkerGuid))
	writeData(w, http.StatusCreated, "jobs", jobPayload(j))
}

type updateJobRequest struct {
	State models.JobState `json:"state"`
}

// UpdateJob handles PUT /v1/job/{guid}. Only cancellation is supported.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	var req updateJobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to update job", err)
		return
	}
	if req.State != models.JobCanceled {
		h.writeError(w, r, "failed to update job", derror.Validation("unsupported job state %q", req.State))
		return
	}

	j, err := h.deps.Store.GetJob(r.Context(), guid)
	if err != nil {
		h.writeError(w, r, "failed to update job", err)
		return
	}
	canceled, err := h.deps.Jobs.Cancel(r.Context(), j)
	if err != nil {
		h.writeError(w, r, "failed to cancel job", err)
		return
	}
	writeData(w, http.StatusOK, "jobs", jobPayload(canceled))
}
