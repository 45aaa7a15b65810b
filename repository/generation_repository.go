package repository

import (
	"context"
	"fmt"
	"time"

	"tuneforge/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransitionUpdate carries the optional fields written together with a status change.
type TransitionUpdate struct {
	Progress     *int
	ResultURL    *string
	ErrorMessage *string
	FailureKind  model.FailureKind
	Metadata     datatypes.JSON
}

// GenerationRepository defines the interface for generation task data operations.
type GenerationRepository interface {
	Create(ctx context.Context, task *model.GenerationTask) error
	GetByID(ctx context.Context, id string) (*model.GenerationTask, error)
	GetByIDForUser(ctx context.Context, userID int64, id string) (*model.GenerationTask, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.GenerationTask, error)
	ListActive(ctx context.Context) ([]*model.GenerationTask, error)
	ListCompletedWithoutTrack(ctx context.Context, limit int) ([]*model.GenerationTask, error)
	Transition(ctx context.Context, id string, to model.GenerationStatus, upd TransitionUpdate) error
	SetTrackID(ctx context.Context, id string, trackID int64) error
}

type gormGenerationRepository struct {
	db *gorm.DB
}

// NewGenerationRepository creates a GORM backed GenerationRepository.
func NewGenerationRepository(db *gorm.DB) GenerationRepository {
	return &gormGenerationRepository{db: db}
}

// allowedPredecessors encodes the forward-only lifecycle. running -> running is
// how progress updates are written.
func allowedPredecessors(to model.GenerationStatus) []model.GenerationStatus {
	switch to {
	case model.StatusRunning, model.StatusCompleted, model.StatusFailed:
		return []model.GenerationStatus{model.StatusPending, model.StatusRunning}
	default:
		return nil
	}
}

func (r *gormGenerationRepository) Create(ctx context.Context, task *model.GenerationTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create generation task: %w", err)
	}
	return nil
}

// GetByID returns nil, nil when the task does not exist.
func (r *gormGenerationRepository) GetByID(ctx context.Context, id string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get generation task %s: %w", id, err)
	}
	return &task, nil
}

func (r *gormGenerationRepository) GetByIDForUser(ctx context.Context, userID int64, id string) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&task).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get generation task %s for user %d: %w", id, userID, err)
	}
	return &task, nil
}

func (r *gormGenerationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.GenerationTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list generation tasks for user %d: %w", userID, err)
	}
	return tasks, nil
}

// ListActive returns every task still waiting on its provider, oldest first.
func (r *gormGenerationRepository) ListActive(ctx context.Context) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.GenerationStatus{model.StatusPending, model.StatusRunning}).
		Where("external_task_id IS NOT NULL").
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active generation tasks: %w", err)
	}
	return tasks, nil
}

func (r *gormGenerationRepository) ListCompletedWithoutTrack(ctx context.Context, limit int) ([]*model.GenerationTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []*model.GenerationTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND track_id IS NULL", model.StatusCompleted).
		Order("completed_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled tasks: %w", err)
	}
	return tasks, nil
}

// Transition moves a task to status `to` only if it is currently in an allowed
// predecessor state. A task already in a terminal state yields ErrStaleTransition,
// so whichever writer reaches a terminal state first wins.
func (r *gormGenerationRepository) Transition(ctx context.Context, id string, to model.GenerationStatus, upd TransitionUpdate) error {
	from := allowedPredecessors(to)
	if len(from) == 0 {
		return fmt.Errorf("transition to %q is not allowed: %w", to, ErrStaleTransition)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if upd.Progress != nil {
		updates["progress"] = *upd.Progress
	}
	if upd.ResultURL != nil {
		updates["result_url"] = *upd.ResultURL
	}
	if upd.ErrorMessage != nil {
		updates["error_message"] = *upd.ErrorMessage
	}
	if upd.FailureKind != model.FailureNone {
		updates["failure_kind"] = upd.FailureKind
	}
	if upd.Metadata != nil {
		updates["metadata"] = upd.Metadata
	}
	if to.IsTerminal() {
		updates["completed_at"] = time.Now()
	}

	res := r.db.WithContext(ctx).
		Model(&model.GenerationTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition task %s to %s: %w", id, to, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&model.GenerationTask{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleTransition
}

func (r *gormGenerationRepository) SetTrackID(ctx context.Context, id string, trackID int64) error {
	res := r.db.WithContext(ctx).
		Model(&model.GenerationTask{}).
		Where("id = ?", id).
		Update("track_id", trackID)
	if res.Error != nil {
		return fmt.Errorf("failed to set track for task %s: %w", id, res.Error)
	}
	// MySQL reports 0 affected rows when the value is unchanged, so RowsAffected is not checked.
	return nil
}
