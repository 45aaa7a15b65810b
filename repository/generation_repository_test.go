package repository

import (
	"context"
	"testing"
	"time"

	"tuneforge/db/dbtest"
	"tuneforge/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(userID int64, external string) *model.GenerationTask {
	ext := external
	return &model.GenerationTask{
		ID:             uuid.NewString(),
		UserID:         userID,
		Kind:           model.KindMusic,
		ExternalTaskID: &ext,
		Service:        model.ServiceSuno,
		Status:         model.StatusPending,
		Prompt:         "test track",
	}
}

func TestGenerationCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(dbtest.Open(t))

	task := newTask(1, "ext-1")
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ext-1", got.ExternalID())
	assert.Equal(t, model.StatusPending, got.Status)

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	other, err := repo.GetByIDForUser(ctx, 2, task.ID)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestGenerationTransitionIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(dbtest.Open(t))
	task := newTask(1, "ext-2")
	require.NoError(t, repo.Create(ctx, task))

	progress := 50
	require.NoError(t, repo.Transition(ctx, task.ID, model.StatusRunning, TransitionUpdate{Progress: &progress}))

	url := "https://cdn.example/a.mp3"
	done := 100
	require.NoError(t, repo.Transition(ctx, task.ID, model.StatusCompleted, TransitionUpdate{Progress: &done, ResultURL: &url}))

	// terminal: every later transition is stale
	msg := "late failure"
	err := repo.Transition(ctx, task.ID, model.StatusFailed, TransitionUpdate{ErrorMessage: &msg})
	assert.ErrorIs(t, err, ErrStaleTransition)
	err = repo.Transition(ctx, task.ID, model.StatusRunning, TransitionUpdate{})
	assert.ErrorIs(t, err, ErrStaleTransition)
	err = repo.Transition(ctx, task.ID, model.StatusPending, TransitionUpdate{})
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ResultURL)
	assert.Equal(t, url, *got.ResultURL)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestGenerationTransitionMissingTask(t *testing.T) {
	repo := NewGenerationRepository(dbtest.Open(t))
	err := repo.Transition(context.Background(), "missing", model.StatusFailed, TransitionUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerationFailureKindIsRecorded(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(dbtest.Open(t))
	task := newTask(1, "ext-3")
	require.NoError(t, repo.Create(ctx, task))

	msg := "timed out"
	require.NoError(t, repo.Transition(ctx, task.ID, model.StatusFailed, TransitionUpdate{
		ErrorMessage: &msg,
		FailureKind:  model.FailureTimeout,
	}))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailureTimeout, got.FailureKind)
}

func TestGenerationListActiveAndUnreconciled(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(dbtest.Open(t))

	pending := newTask(1, "a")
	running := newTask(1, "b")
	running.Status = model.StatusRunning
	done := newTask(1, "c")
	for _, task := range []*model.GenerationTask{pending, running, done} {
		require.NoError(t, repo.Create(ctx, task))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, repo.Transition(ctx, done.ID, model.StatusCompleted, TransitionUpdate{}))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, pending.ID, active[0].ID)

	unreconciled, err := repo.ListCompletedWithoutTrack(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unreconciled, 1)
	assert.Equal(t, done.ID, unreconciled[0].ID)

	require.NoError(t, repo.SetTrackID(ctx, done.ID, 42))
	unreconciled, err = repo.ListCompletedWithoutTrack(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreconciled)

	mine, err := repo.ListByUser(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestExternalTaskIDIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewGenerationRepository(dbtest.Open(t))

	require.NoError(t, repo.Create(ctx, newTask(1, "dup")))
	assert.Error(t, repo.Create(ctx, newTask(1, "dup")))
}
