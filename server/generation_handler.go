package server

import (
	"net/http"
	"strconv"

	"tuneforge/core/generation"
	"tuneforge/logger"
	"tuneforge/model"

	"github.com/gorilla/mux"
)

// CreateGenerationHandler submits a prompt to a music provider.
func (h *APIHandler) CreateGenerationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req generation.DispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Service == "" {
		req.Service = model.ServiceSuno
	}

	task, err := h.Dispatcher.Dispatch(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, err, "start generation")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// ListGenerationsHandler returns the caller's most recent tasks.
func (h *APIHandler) ListGenerationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 200 {
		limit = 200
	}

	tasks, err := h.Tasks.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, err, "list generations")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type generationDetail struct {
	*model.GenerationTask
	Tracks []*model.Track `json:"tracks"`
}

// GetGenerationHandler returns one task together with the tracks it produced.
func (h *APIHandler) GetGenerationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	task, err := h.Tasks.GetByIDForUser(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err, "get generation")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Generation not found")
		return
	}

	detail := generationDetail{GenerationTask: task, Tracks: []*model.Track{}}
	if task.Kind == model.KindMusic {
		tracks, err := h.Tracks.ListByGenerationTask(r.Context(), task.ID)
		if err != nil {
			writeServiceError(w, err, "get generation")
			return
		}
		detail.Tracks = tracks
	}
	writeJSON(w, http.StatusOK, detail)
}

// CancelGenerationHandler stops polling a task and marks it failed.
func (h *APIHandler) CancelGenerationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	taskID := mux.Vars(r)["id"]
	task, err := h.Tasks.GetByIDForUser(r.Context(), userID, taskID)
	if err != nil {
		writeServiceError(w, err, "cancel generation")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if task.Status.IsTerminal() {
		writeServiceError(w, generation.ErrNotCancellable, "cancel generation")
		return
	}

	if err := h.Canceller.Cancel(r.Context(), taskID); err != nil {
		writeServiceError(w, err, "cancel generation")
		return
	}
	logger.Info("[API] generation cancelled", logger.TaskID(taskID), logger.UserID(userID))
	w.WriteHeader(http.StatusNoContent)
}
