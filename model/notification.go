package model

import "time"

// Notification event names pushed to the user.
const (
	EventDispatched     = "generation.dispatched"
	EventDispatchFailed = "generation.dispatch_failed"
	EventProgress       = "generation.progress"
	EventCompleted      = "generation.completed"
	EventFailed         = "generation.failed"
	EventTrackStored    = "track.stored"
)

// Notification is a user-visible event. Message is always human readable.
type Notification struct {
	Event    string           `json:"event"`
	UserID   int64            `json:"userId"`
	TaskID   string           `json:"taskId,omitempty"`
	TrackID  int64            `json:"trackId,omitempty"`
	Status   GenerationStatus `json:"status,omitempty"`
	Progress int              `json:"progress,omitempty"`
	Message  string           `json:"message"`
	SentAt   time.Time        `json:"sentAt"`
}
