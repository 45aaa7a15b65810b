// Package generation dispatches music generation requests, tracks them until
// the provider finishes and turns finished results into tracks.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"tuneforge/core/agent"
	"tuneforge/model"

	"gorm.io/datatypes"
)

var (
	// ErrInvalidRequest is returned for requests rejected before any provider call.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrTrackNotFound is returned when a stems request names an unknown track.
	ErrTrackNotFound = errors.New("track not found")
)

// Notifier delivers user visible events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.Notification) {}

// Registry durably records the tasks being polled.
type Registry interface {
	Add(ctx context.Context, entry model.InFlightTask) error
	Remove(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]model.InFlightTask, error)
}

// ObjectStore receives downloaded audio.
type ObjectStore interface {
	PutFromURL(ctx context.Context, srcURL, key string) (int64, error)
	URL(key string) string
}

// Enricher completes song metadata. Implemented by *agent.Enricher.
type Enricher interface {
	Enabled() bool
	Enrich(ctx context.Context, req agent.EnrichRequest) (*agent.Song, error)
}

// Grouper numbers the takes of one provider task. Implemented by *variant.Grouper.
type Grouper interface {
	GroupTask(ctx context.Context, userID int64, providerTaskID string) error
}

// MemoryRegistry is a process local Registry. Entries do not survive a restart.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]model.InFlightTask
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]model.InFlightTask)}
}

func (r *MemoryRegistry) Add(_ context.Context, entry model.InFlightTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.TaskID] = entry
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
	return nil
}

func (r *MemoryRegistry) List(context.Context) ([]model.InFlightTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.InFlightTask, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func inFlightEntry(task *model.GenerationTask) model.InFlightTask {
	return model.InFlightTask{
		TaskID:         task.ID,
		UserID:         task.UserID,
		Service:        task.Service,
		Kind:           task.Kind,
		ExternalTaskID: task.ExternalID(),
		StartedAt:      task.CreatedAt,
	}
}

// withMetadata returns base with key set to value. A malformed base is replaced.
func withMetadata(base datatypes.JSON, key string, value interface{}) datatypes.JSON {
	m := map[string]interface{}{}
	if len(base) > 0 {
		_ = json.Unmarshal(base, &m)
		if m == nil {
			m = map[string]interface{}{}
		}
	}
	m[key] = value
	out, err := json.Marshal(m)
	if err != nil {
		return base
	}
	return datatypes.JSON(out)
}

func notification(event string, task *model.GenerationTask, msg string) model.Notification {
	return model.Notification{
		Event:    event,
		UserID:   task.UserID,
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  msg,
		SentAt:   time.Now(),
	}
}
