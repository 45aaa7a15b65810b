package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"tuneforge/core/agent"
	"tuneforge/core/auth"
	"tuneforge/core/generation"
	"tuneforge/core/provider"
	"tuneforge/core/ratelimit"
	"tuneforge/core/variant"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"

	"github.com/gorilla/mux"
)

// Dispatcher starts generation and stem separation requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64, req generation.DispatchRequest) (*model.GenerationTask, error)
	DispatchStems(ctx context.Context, userID, trackID int64, variantNumber int) (*model.GenerationTask, error)
}

// Canceller stops polling a task.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// Grouper organises tracks into variant groups.
type Grouper interface {
	GroupTracks(ctx context.Context, userID int64, taskID string) (*variant.Result, error)
	SetMaster(ctx context.Context, userID, trackID int64) error
}

// MediaStore hands out temporary download links for stored objects.
type MediaStore interface {
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// StorageSyncer retries copying provider hosted audio into storage.
type StorageSyncer interface {
	SyncStorage(ctx context.Context, report *generation.SweepReport) error
}

// LyricsWriter drafts lyrics with a text provider.
type LyricsWriter interface {
	Enabled() bool
	DraftLyrics(ctx context.Context, prompt, style string) (*agent.Song, error)
}

// Subscriber streams a user's notifications until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) (<-chan model.Notification, error)
}

// UsagePeeker reads a user's current window usage without counting a request.
type UsagePeeker interface {
	Peek(ctx context.Context, userID int64, service string) (int, time.Duration, error)
}

// Deps are the collaborators of the HTTP API. Optional ones may be nil, in
// which case their endpoints answer 503.
type Deps struct {
	Users      repository.UserRepository
	Tasks      repository.GenerationRepository
	Tracks     repository.TrackRepository
	Stems      repository.StemRepository
	Tokens     *auth.TokenIssuer
	Dispatcher Dispatcher
	Canceller  Canceller
	Grouper    Grouper
	Limiter    ratelimit.Limiter
	Rules      *ratelimit.Rules
	Usage      UsagePeeker
	Store      MediaStore
	Syncer     StorageSyncer
	Lyrics     LyricsWriter
	Notifier   Subscriber
	PresignTTL time.Duration
}

// APIHandler 处理所有API请求
type APIHandler struct {
	Deps
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(deps Deps) *APIHandler {
	if deps.PresignTTL <= 0 {
		deps.PresignTTL = time.Hour
	}
	return &APIHandler{Deps: deps}
}

type errorResponse struct {
	Error      string     `json:"error"`
	RetryAfter int        `json:"retryAfter,omitempty"` // seconds
	ResetTime  *time.Time `json:"resetTime,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[API] failed to encode response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error, action string) {
	var exceeded *ratelimit.ExceededError
	var apiErr *provider.APIError
	switch {
	case errors.As(err, &exceeded):
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		reset := exceeded.ResetTime
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:      exceeded.Error(),
			RetryAfter: secs,
			ResetTime:  &reset,
		})
	case errors.Is(err, generation.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, generation.ErrTrackNotFound),
		errors.Is(err, variant.ErrTrackNotFound),
		errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, generation.ErrNotCancellable):
		writeError(w, http.StatusConflict, "Task already finished")
	case errors.Is(err, variant.ErrNotGrouped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, "No text provider available")
	case errors.As(err, &apiErr):
		logger.Warn("[API] provider rejected request",
			logger.String("action", action),
			logger.Int("status", apiErr.StatusCode),
			logger.String("providerMessage", apiErr.Message))
		writeError(w, http.StatusBadGateway, provider.UserMessage(apiErr))
	default:
		logger.Error("[API] request failed", logger.String("action", action), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func pathInt64(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

// RateLimitStatusHandler reports the caller's quota for a service.
func (h *APIHandler) RateLimitStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "Rate limiting is not configured")
		return
	}
	service := mux.Vars(r)["service"]
	rule := h.Rules.For(service)

	resp := map[string]interface{}{
		"service":   service,
		"limit":     rule.Max,
		"window":    rule.Window.String(),
		"remaining": rule.Max,
	}
	if h.Usage != nil {
		count, ttl, err := h.Usage.Peek(r.Context(), userID, service)
		if err != nil {
			logger.Warn("[API] rate limit usage unavailable", logger.Service(service), logger.ErrorField(err))
		} else {
			remaining := rule.Max - count
			if remaining < 0 {
				remaining = 0
			}
			resp["used"] = count
			resp["remaining"] = remaining
			if ttl > 0 {
				resp["resetTime"] = time.Now().Add(ttl)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StorageSyncHandler retries the storage copy of tracks and stems that still
// point at the provider.
func (h *APIHandler) StorageSyncHandler(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Object storage is not configured")
		return
	}
	var report generation.SweepReport
	if err := h.Syncer.SyncStorage(r.Context(), &report); err != nil {
		writeServiceError(w, err, "sync storage")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type lyricsRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// LyricsHandler drafts lyrics for a prompt. Counted under the "lyrics" quota.
func (h *APIHandler) LyricsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Lyrics == nil || !h.Lyrics.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "No text provider available")
		return
	}

	var req lyricsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if h.Limiter != nil {
		if _, err := ratelimit.Enforce(r.Context(), h.Limiter, userID, "lyrics"); err != nil {
			writeServiceError(w, err, "check rate limit")
			return
		}
	}

	song, err := h.Lyrics.DraftLyrics(r.Context(), req.Prompt, req.Style)
	if err != nil {
		writeServiceError(w, err, "draft lyrics")
		return
	}
	writeJSON(w, http.StatusOK, song)
}
