package server

import (
	"net/http"
	"strconv"
	"strings"

	"tuneforge/logger"
	"tuneforge/model"

	"github.com/gorilla/mux"
)

// GetTracksHandler lists the caller's tracks, newest first.
func (h *APIHandler) GetTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	tracks, err := h.Tracks.ListByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, "list tracks")
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

// ownedTrack resolves the {id} path variable to one of the caller's tracks and
// writes the error response when it cannot.
func (h *APIHandler) ownedTrack(w http.ResponseWriter, r *http.Request) (*model.Track, bool) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	trackID, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid track ID")
		return nil, false
	}
	track, err := h.Tracks.GetByIDForUser(r.Context(), userID, trackID)
	if err != nil {
		writeServiceError(w, err, "get track")
		return nil, false
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "Track not found")
		return nil, false
	}
	return track, true
}

// GetTrackHandler returns one track.
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// DeleteTrackHandler soft deletes a track.
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	trackID, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid track ID")
		return
	}
	if err := h.Tracks.SoftDelete(r.Context(), userID, trackID); err != nil {
		writeServiceError(w, err, "delete track")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupRequest struct {
	TaskID string `json:"taskId"`
}

// GroupTracksHandler groups the caller's takes into variant sets. Without a
// taskId every track is considered.
func (h *APIHandler) GroupTracksHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.Grouper.GroupTracks(r.Context(), userID, strings.TrimSpace(req.TaskID))
	if err != nil {
		writeServiceError(w, err, "group tracks")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetMasterHandler makes a track the master of its variant group.
func (h *APIHandler) SetMasterHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	trackID, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid track ID")
		return
	}
	if err := h.Grouper.SetMaster(r.Context(), userID, trackID); err != nil {
		writeServiceError(w, err, "set master variant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stemsRequest struct {
	Variant int `json:"variant"`
}

// CreateStemsHandler requests stem separation for a track variant.
func (h *APIHandler) CreateStemsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	trackID, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid track ID")
		return
	}
	var req stemsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task, err := h.Dispatcher.DispatchStems(r.Context(), userID, trackID, req.Variant)
	if err != nil {
		writeServiceError(w, err, "start stem separation")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// GetStemsHandler lists the stems of a track.
func (h *APIHandler) GetStemsHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	stems, err := h.Stems.ListByTrack(r.Context(), track.ID)
	if err != nil {
		writeServiceError(w, err, "list stems")
		return
	}
	writeJSON(w, http.StatusOK, stems)
}

// TrackAudioHandler redirects to a playable url: a presigned link for stored
// audio, otherwise the provider's url.
func (h *APIHandler) TrackAudioHandler(w http.ResponseWriter, r *http.Request) {
	track, ok := h.ownedTrack(w, r)
	if !ok {
		return
	}
	if track.IsLocal() && h.Store != nil {
		h.redirectToObject(w, r, track.StorageKey)
		return
	}
	if strings.HasPrefix(track.AudioURL, "http://") || strings.HasPrefix(track.AudioURL, "https://") {
		http.Redirect(w, r, track.AudioURL, http.StatusFound)
		return
	}
	writeError(w, http.StatusNotFound, "Audio not available")
}

// MediaHandler serves stored objects referenced by /media/<key> urls.
func (h *APIHandler) MediaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Object storage is not configured")
		return
	}
	key := mux.Vars(r)["key"]
	if !h.canRead(r, userID, key) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	h.redirectToObject(w, r, key)
}

// canRead checks the owner encoded in the object key: audio/<userId>/... and
// stems/<trackId>/....
func (h *APIHandler) canRead(r *http.Request, userID int64, key string) bool {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || strings.Contains(key, "..") {
		return false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	switch parts[0] {
	case "audio":
		return id == userID
	case "stems":
		track, err := h.Tracks.GetByIDForUser(r.Context(), userID, id)
		return err == nil && track != nil
	default:
		return false
	}
}

func (h *APIHandler) redirectToObject(w http.ResponseWriter, r *http.Request, key string) {
	url, err := h.Store.PresignedURL(r.Context(), key, h.PresignTTL)
	if err != nil {
		logger.Warn("[API] failed to presign object", logger.String("key", key), logger.ErrorField(err))
		writeError(w, http.StatusBadGateway, "Audio temporarily unavailable")
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	http.Redirect(w, r, url, http.StatusFound)
}
