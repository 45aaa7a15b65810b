package provider

import (
	"strings"

	"tuneforge/model"
)

// Synthetic progress values.
const (
	ProgressPending  = 25
	ProgressRunning  = 50
	ProgressPartial  = 75
	ProgressComplete = 100
)

// MapSunoStatus translates the Suno task vocabulary. Unknown values are
// treated as still running.
func MapSunoStatus(s string) (model.GenerationStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "":
		return model.StatusPending, false
	case "TEXT_SUCCESS":
		return model.StatusRunning, false
	case "FIRST_SUCCESS":
		return model.StatusRunning, true
	case "SUCCESS":
		return model.StatusCompleted, false
	case "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR":
		return model.StatusFailed, false
	default:
		return model.StatusRunning, false
	}
}

// MapMurekaStatus translates the Mureka task vocabulary.
func MapMurekaStatus(s string) (model.GenerationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preparing", "queued", "":
		return model.StatusPending, false
	case "running":
		return model.StatusRunning, false
	case "streaming":
		return model.StatusRunning, true
	case "succeeded":
		return model.StatusCompleted, false
	case "failed", "timeouted", "cancelled":
		return model.StatusFailed, false
	default:
		return model.StatusRunning, false
	}
}

// Progress maps a canonical state to the synthetic percentage.
func Progress(state model.GenerationStatus, partial bool) int {
	switch state {
	case model.StatusPending:
		return ProgressPending
	case model.StatusRunning:
		if partial {
			return ProgressPartial
		}
		return ProgressRunning
	case model.StatusCompleted:
		return ProgressComplete
	default:
		return 0
	}
}
