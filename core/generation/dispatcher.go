package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tuneforge/core/provider"
	"tuneforge/core/ratelimit"
	"tuneforge/logger"
	"tuneforge/model"
	"tuneforge/repository"

	"github.com/google/uuid"
)

// StemsRateKey is the rate limit bucket for stem separation requests.
const StemsRateKey = "stems"

// DispatchRequest is a user's request for new music.
type DispatchRequest struct {
	Prompt  string           `json:"prompt"`
	Service model.Service    `json:"service"`
	Options provider.Options `json:"options"`
}

// Tracker starts status polling for a dispatched task.
type Tracker interface {
	Track(task *model.GenerationTask)
}

// Dispatcher validates requests, submits them to the provider exactly once and
// records the resulting task.
type Dispatcher struct {
	tasks     repository.GenerationRepository
	tracks    repository.TrackRepository
	providers provider.Set
	limiter   ratelimit.Limiter
	tracker   Tracker
	notifier  Notifier
	newID     func() string
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(
	tasks repository.GenerationRepository,
	tracks repository.TrackRepository,
	providers provider.Set,
	limiter ratelimit.Limiter,
	tracker Tracker,
	notifier Notifier,
) *Dispatcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Dispatcher{
		tasks:     tasks,
		tracks:    tracks,
		providers: providers,
		limiter:   limiter,
		tracker:   tracker,
		notifier:  notifier,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Dispatch submits a generation request. On provider failure no task is
// recorded and the error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, req DispatchRequest) (*model.GenerationTask, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if !req.Service.Valid() {
		return nil, fmt.Errorf("%w: unsupported service %q", ErrInvalidRequest, req.Service)
	}
	p, err := d.providers.Get(req.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if _, err := ratelimit.Enforce(ctx, d.limiter, userID, string(req.Service)); err != nil {
		return nil, err
	}

	externalID, err := p.Submit(ctx, provider.SubmitRequest{Prompt: prompt, Options: req.Options})
	if err != nil {
		logger.Warn("[Dispatcher] provider rejected request",
			logger.UserID(userID),
			logger.Service(string(req.Service)),
			logger.ErrorField(err))
		d.notifier.Notify(ctx, model.Notification{
			Event:   model.EventDispatchFailed,
			UserID:  userID,
			Message: fmt.Sprintf("Could not start %s generation. %s", req.Service, provider.UserMessage(err)),
			SentAt:  d.now(),
		})
		return nil, fmt.Errorf("failed to submit to %s: %w", req.Service, err)
	}

	task := &model.GenerationTask{
		ID:             d.newID(),
		UserID:         userID,
		Kind:           model.KindMusic,
		ExternalTaskID: &externalID,
		Service:        req.Service,
		Status:         model.StatusPending,
		Progress:       provider.ProgressPending,
		Prompt:         prompt,
		Metadata:       withMetadata(nil, "options", req.Options),
	}
	if err := d.persist(ctx, task); err != nil {
		return nil, err
	}

	logger.Info("[Dispatcher] generation dispatched",
		logger.TaskID(task.ID),
		logger.ExternalTaskID(externalID),
		logger.Service(string(req.Service)),
		logger.UserID(userID))
	d.notifier.Notify(ctx, notification(model.EventDispatched, task, "Your song is being generated"))
	return task, nil
}

// DispatchStems asks the provider of a generated track to separate one of its
// variants into stems. variantNumber 0 selects the track's own variant.
func (d *Dispatcher) DispatchStems(ctx context.Context, userID, trackID int64, variantNumber int) (*model.GenerationTask, error) {
	track, err := d.tracks.GetByIDForUser(ctx, userID, trackID)
	if err != nil {
		return nil, err
	}
	if track == nil {
		return nil, ErrTrackNotFound
	}
	if track.GenerationTaskID == nil {
		return nil, fmt.Errorf("%w: track %d was not generated", ErrInvalidRequest, trackID)
	}
	source, err := d.tasks.GetByID(ctx, *track.GenerationTaskID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: generation task of track %d is gone", ErrInvalidRequest, trackID)
	}
	p, err := d.providers.Get(source.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if variantNumber <= 0 {
		variantNumber = 1
		if track.VariantNumber != nil {
			variantNumber = *track.VariantNumber
		}
	}

	if _, err := ratelimit.Enforce(ctx, d.limiter, userID, StemsRateKey); err != nil {
		return nil, err
	}

	req := provider.StemRequest{ClipID: track.ClipID, AudioURL: track.SourceURL}
	if track.ProviderTaskID != nil {
		req.ProviderTaskID = *track.ProviderTaskID
	}
	externalID, err := p.SubmitStems(ctx, req)
	if err != nil {
		if errors.Is(err, provider.ErrStemsUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		d.notifier.Notify(ctx, model.Notification{
			Event:   model.EventDispatchFailed,
			UserID:  userID,
			TrackID: trackID,
			Message: "Could not start stem separation. " + provider.UserMessage(err),
			SentAt:  d.now(),
		})
		return nil, fmt.Errorf("failed to submit stems to %s: %w", source.Service, err)
	}

	task := &model.GenerationTask{
		ID:             d.newID(),
		UserID:         userID,
		Kind:           model.KindStems,
		ExternalTaskID: &externalID,
		Service:        source.Service,
		Status:         model.StatusPending,
		Progress:       provider.ProgressPending,
		Prompt:         source.Prompt,
		SourceTrackID:  &trackID,
		SourceVariant:  &variantNumber,
	}
	if err := d.persist(ctx, task); err != nil {
		return nil, err
	}

	logger.Info("[Dispatcher] stem separation dispatched",
		logger.TaskID(task.ID),
		logger.ExternalTaskID(externalID),
		logger.TrackID(trackID))
	d.notifier.Notify(ctx, notification(model.EventDispatched, task, "Stem separation started"))
	return task, nil
}

func (d *Dispatcher) persist(ctx context.Context, task *model.GenerationTask) error {
	task.CreatedAt = d.now()
	task.UpdatedAt = task.CreatedAt
	if err := d.tasks.Create(ctx, task); err != nil {
		logger.Error("[Dispatcher] provider task accepted but not recorded",
			logger.ExternalTaskID(task.ExternalID()),
			logger.Service(string(task.Service)),
			logger.ErrorField(err))
		return fmt.Errorf("failed to record generation task: %w", err)
	}
	if d.tracker != nil {
		d.tracker.Track(task)
	}
	return nil
}
