package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/video-transcribe/server/internal/job"
)

// Canceler requests cooperative cancellation of a running job.
type Canceler interface {
	Cancel(id string) bool
}

type TasksHandler struct {
	store *job.Store
	pool  Canceler
}

func NewTasksHandler(store *job.Store, pool Canceler) *TasksHandler {
	return &TasksHandler{store: store, pool: pool}
}

// GetTask returns the current state of a task, including the
// transcript once completed.
func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	j, err := h.store.Get(id)
	if err != nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, j, http.StatusOK)
}

// CancelTask stops a queued or running task. A running task is
// interrupted at its next step boundary; a queued task never starts.
func (h *TasksHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	j, err := h.store.Get(id)
	if err != nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	if j.State.Terminal() {
		jsonError(w, "task already finished", http.StatusConflict)
		return
	}

	if !h.pool.Cancel(id) {
		// Still queued: fail it directly so the worker skips it.
		if err := h.store.Fail(id, "cancelled"); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
			jsonError(w, "failed to cancel task", http.StatusInternalServerError)
			return
		}
	}

	jsonResponse(w, map[string]string{
		"task_id": id,
		"message": "cancellation requested",
	}, http.StatusOK)
}
