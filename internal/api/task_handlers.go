package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// ListTasks handles GET /v1/task
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.deps.Scheduler.GetAll(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to get tasks", err)
		return
	}
	writeData(w, http.StatusOK, "tasks", tasks)
}

// GetTask handles GET /v1/task/{guid}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	tasks, err := h.deps.Scheduler.GetAll(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to get task", err)
		return
	}
	for _, t := range tasks {
		if t.Guid == guid {
			writeData(w, http.StatusOK, "tasks", t)
			return
		}
	}
	h.writeError(w, r, "failed to get task", derror.NotFound("task %s not found", guid))
}

type createTaskRequest struct {
	APIKey string `json:"api_key"`
}

// CreateTask handles POST /v1/task
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to create task", err)
		return
	}
	if req.APIKey == "" {
		h.writeError(w, r, "failed to create task", derror.Validation("missing api_key"))
		return
	}

	task := &models.Task{Guid: uuid.NewString(), APIKey: req.APIKey}
	guid, err := h.deps.Scheduler.Push(r.Context(), task)
	if err != nil {
		h.writeError(w, r, "failed to create task", err)
		return
	}
	task.Guid = guid
	writeData(w, http.StatusCreated, "tasks", task)
}

// CancelTask handles PUT /v1/task/{guid}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]

	task := &models.Task{Guid: guid}
	if err := h.deps.Scheduler.Cancel(r.Context(), task); err != nil {
		h.writeError(w, r, "failed to cancel task", err)
		return
	}
	writeData(w, http.StatusOK, "tasks", task)
}
