package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"tuneforge/config"
	"tuneforge/core/provider"
	"tuneforge/core/ratelimit"
	"tuneforge/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTracker struct {
	tasks []*model.GenerationTask
}

func (r *recordingTracker) Track(task *model.GenerationTask) {
	r.tasks = append(r.tasks, task)
}

func newTestDispatcher(e *env, max int) (*Dispatcher, *recordingTracker) {
	rules := ratelimit.NewRules(map[string]config.RateRule{
		"suno":       {Max: max, Window: time.Minute},
		StemsRateKey: {Max: max, Window: time.Minute},
	})
	tracker := &recordingTracker{}
	d := NewDispatcher(e.tasks, e.tracks, e.providers(), ratelimit.NewMemoryLimiter(rules), tracker, e.notifier)
	return d, tracker
}

func TestDispatchCreatesPendingTask(t *testing.T) {
	e := newEnv(t)
	d, tracker := newTestDispatcher(e, 5)

	task, err := d.Dispatch(context.Background(), 7, DispatchRequest{
		Prompt:  "  a calm piano piece  ",
		Service: model.ServiceSuno,
		Options: provider.Options{Style: "piano"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, "ext-1", task.ExternalID())
	assert.Equal(t, "a calm piano piece", task.Prompt)

	stored := e.reload(t, task.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalID())
	assert.JSONEq(t, `{"options":{"style":"piano"}}`, string(stored.Metadata))

	require.Len(t, tracker.tasks, 1)
	assert.Equal(t, task.ID, tracker.tasks[0].ID)
	assert.Equal(t, []string{model.EventDispatched}, e.notifier.names())
	assert.Equal(t, 1, e.suno.submits)
}

func TestDispatchRejectsInvalidRequests(t *testing.T) {
	e := newEnv(t)
	d, _ := newTestDispatcher(e, 5)

	_, err := d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "   ", Service: model.ServiceSuno})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "x", Service: "udio"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "x", Service: model.ServiceMureka})
	assert.ErrorIs(t, err, ErrInvalidRequest, "mureka is valid but not configured here")

	assert.Equal(t, 0, e.suno.submits)
}

func TestDispatchProviderFailureRecordsNothing(t *testing.T) {
	e := newEnv(t)
	e.suno.submitErr = &provider.APIError{Service: model.ServiceSuno, StatusCode: 500, Message: `{"trace":"upstream node-7 down"}`}
	d, tracker := newTestDispatcher(e, 5)

	_, err := d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "x", Service: model.ServiceSuno})
	var apiErr *provider.APIError
	require.True(t, errors.As(err, &apiErr))

	tasks, err := e.tasks.ListByUser(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, tracker.tasks)
	assert.Equal(t, 1, e.suno.submits, "no retry")
	assert.Equal(t, []string{model.EventDispatchFailed}, e.notifier.names())
	assert.NotContains(t, e.notifier.events[0].Message, "node-7")
	assert.Contains(t, e.notifier.events[0].Message, "unavailable")
}

func TestDispatchRateLimited(t *testing.T) {
	e := newEnv(t)
	d, _ := newTestDispatcher(e, 1)

	_, err := d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "x", Service: model.ServiceSuno})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), 7, DispatchRequest{Prompt: "y", Service: model.ServiceSuno})
	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Greater(t, exceeded.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, e.suno.submits)
}

func TestDispatchStems(t *testing.T) {
	e := newEnv(t)
	d, tracker := newTestDispatcher(e, 5)
	ctx := context.Background()

	source := e.createTask(t, time.Now(), model.StatusPending)
	_, err := e.bridge.OnGenerationComplete(ctx, source, twoClips(source.ExternalID()))
	require.NoError(t, err)
	tracks, err := e.tracks.ListByGenerationTask(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	e.suno.submitID = "stems-1"
	task, err := d.DispatchStems(ctx, 7, tracks[1].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.KindStems, task.Kind)
	assert.Equal(t, "stems-1", task.ExternalID())
	require.NotNil(t, task.SourceTrackID)
	assert.Equal(t, tracks[1].ID, *task.SourceTrackID)
	assert.Equal(t, 2, *task.SourceVariant)
	require.Len(t, tracker.tasks, 1)

	_, err = d.DispatchStems(ctx, 8, tracks[1].ID, 1)
	assert.ErrorIs(t, err, ErrTrackNotFound, "other users' tracks are invisible")
}
