package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tuneforge/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository defines the interface for track data operations.
type TrackRepository interface {
	Create(ctx context.Context, track *model.Track) error
	UpsertGenerated(ctx context.Context, track *model.Track) (*model.Track, bool, error)
	GetByID(ctx context.Context, id int64) (*model.Track, error)
	GetByIDForUser(ctx context.Context, userID, id int64) (*model.Track, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Track, error)
	ListByGenerationTask(ctx context.Context, taskID string) ([]*model.Track, error)
	ListForGrouping(ctx context.Context, userID int64) ([]*model.Track, error)
	ListExternal(ctx context.Context, limit int) ([]*model.Track, error)
	UpdateVariant(ctx context.Context, id int64, groupID string, number int, isMaster bool) error
	SetMaster(ctx context.Context, groupID string, trackID int64) error
	MarkStored(ctx context.Context, id int64, audioURL, storageKey string) error
	MarkDownloadFailed(ctx context.Context, id int64) error
	UpdateEnrichment(ctx context.Context, id int64, title, tags, lyrics string) error
	SoftDelete(ctx context.Context, userID, id int64) error
}

type gormTrackRepository struct {
	db *gorm.DB
}

// NewTrackRepository creates a GORM backed TrackRepository.
func NewTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// Create adds an uploaded (non generated) track.
func (r *gormTrackRepository) Create(ctx context.Context, track *model.Track) error {
	if track.State == 0 {
		track.State = model.TrackStateNormal
	}
	if err := r.db.WithContext(ctx).Create(track).Error; err != nil {
		return fmt.Errorf("failed to create track: %w", err)
	}
	return nil
}

// UpsertGenerated inserts the track for (GenerationTaskID, ClipIndex) or, if it
// already exists, refreshes its descriptive fields. Audio that was already
// copied into storage is never replaced by the remote URL again. The bool
// result reports whether a new row was created.
func (r *gormTrackRepository) UpsertGenerated(ctx context.Context, track *model.Track) (*model.Track, bool, error) {
	if track.GenerationTaskID == nil {
		return nil, false, fmt.Errorf("generated track requires a generation task id")
	}
	if track.State == 0 {
		track.State = model.TrackStateNormal
	}

	var result *model.Track
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(track)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			created = true
			result = track
			return nil
		}

		var existing model.Track
		if err := tx.Where("generation_task_id = ? AND clip_index = ?", *track.GenerationTaskID, track.ClipIndex).
			First(&existing).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"title":      track.Title,
			"cover_url":  track.CoverURL,
			"duration":   track.Duration,
			"lyrics":     track.Lyrics,
			"tags":       track.Tags,
			"clip_id":    track.ClipID,
			"metadata":   track.Metadata,
			"updated_at": time.Now(),
		}
		if err := tx.Model(&model.Track{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return err
		}
		// a copy stored meanwhile keeps its url
		if err := tx.Model(&model.Track{}).
			Where("id = ? AND storage_key = ?", existing.ID, "").
			Updates(map[string]interface{}{
				"audio_url":  track.AudioURL,
				"source_url": track.SourceURL,
			}).Error; err != nil {
			return err
		}
		result = &existing
		return tx.Where("id = ?", existing.ID).First(result).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert track for task %s clip %d: %w", *track.GenerationTaskID, track.ClipIndex, err)
	}
	return result, created, nil
}

// GetByID returns nil, nil when the track does not exist.
func (r *gormTrackRepository) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	var track model.Track
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&track).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get track %d: %w", id, err)
	}
	return &track, nil
}

func (r *gormTrackRepository) GetByIDForUser(ctx context.Context, userID, id int64) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND state = ?", id, userID, model.TrackStateNormal).
		First(&track).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get track %d for user %d: %w", id, userID, err)
	}
	return &track, nil
}

func (r *gormTrackRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND state = ?", userID, model.TrackStateNormal).
		Order("created_at DESC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks for user %d: %w", userID, err)
	}
	return tracks, nil
}

func (r *gormTrackRepository) ListByGenerationTask(ctx context.Context, taskID string) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("generation_task_id = ?", taskID).
		Order("clip_index ASC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks for task %s: %w", taskID, err)
	}
	return tracks, nil
}

// ListForGrouping returns the user's live tracks in creation order.
func (r *gormTrackRepository) ListForGrouping(ctx context.Context, userID int64) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND state = ?", userID, model.TrackStateNormal).
		Order("created_at ASC").Order("clip_index ASC").Order("id ASC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks for grouping, user %d: %w", userID, err)
	}
	return tracks, nil
}

// ListExternal returns tracks whose audio still points at the provider, the
// least tried first. Tracks that failed MaxDownloadAttempts times are left out.
func (r *gormTrackRepository) ListExternal(ctx context.Context, limit int) ([]*model.Track, error) {
	if limit <= 0 {
		limit = 100
	}
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("storage_key = ? AND source_url <> ? AND state = ? AND download_attempts < ?",
			"", "", model.TrackStateNormal, MaxDownloadAttempts).
		Order("download_attempts ASC").Order("id ASC").
		Limit(limit).
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query external tracks: %w", err)
	}
	return tracks, nil
}

func (r *gormTrackRepository) UpdateVariant(ctx context.Context, id int64, groupID string, number int, isMaster bool) error {
	res := r.db.WithContext(ctx).
		Model(&model.Track{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"variant_group_id":  groupID,
			"variant_number":    number,
			"is_master_variant": isMaster,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update variant for track %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMaster makes trackID the only master of its variant group.
func (r *gormTrackRepository) SetMaster(ctx context.Context, groupID string, trackID int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Track{}).
			Where("variant_group_id = ?", groupID).
			Update("is_master_variant", false).Error; err != nil {
			return err
		}
		res := tx.Model(&model.Track{}).
			Where("id = ? AND variant_group_id = ?", trackID, groupID).
			Update("is_master_variant", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set master track %d in group %s: %w", trackID, groupID, err)
	}
	return nil
}

func (r *gormTrackRepository) MarkStored(ctx context.Context, id int64, audioURL, storageKey string) error {
	err := r.db.WithContext(ctx).
		Model(&model.Track{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"audio_url":   audioURL,
			"storage_key": storageKey,
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark track %d stored: %w", id, err)
	}
	return nil
}

// MarkDownloadFailed records a failed storage copy.
func (r *gormTrackRepository) MarkDownloadFailed(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.Track{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"download_attempts": gorm.Expr("download_attempts + 1"),
			"last_download_at":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record download failure for track %d: %w", id, err)
	}
	return nil
}

// UpdateEnrichment writes only the non-empty values.
func (r *gormTrackRepository) UpdateEnrichment(ctx context.Context, id int64, title, tags, lyrics string) error {
	updates := map[string]interface{}{}
	if title != "" {
		updates["title"] = title
	}
	if tags != "" {
		updates["tags"] = tags
	}
	if lyrics != "" {
		updates["lyrics"] = lyrics
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	if err := r.db.WithContext(ctx).Model(&model.Track{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update enrichment for track %d: %w", id, err)
	}
	return nil
}

// SoftDelete hides the track and takes it out of its variant group. When it
// was the master, the lowest numbered remaining variant takes over.
func (r *gormTrackRepository) SoftDelete(ctx context.Context, userID, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var track model.Track
		err := tx.Where("id = ? AND user_id = ? AND state = ?", id, userID, model.TrackStateNormal).First(&track).Error
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}

		res := tx.Model(&model.Track{}).
			Where("id = ? AND state = ?", id, model.TrackStateNormal).
			Updates(map[string]interface{}{
				"state":             model.TrackStateDeleted,
				"variant_group_id":  nil,
				"variant_number":    nil,
				"is_master_variant": false,
				"updated_at":        time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if track.VariantGroupID == nil || !track.IsMasterVariant {
			return nil
		}

		var next model.Track
		err = tx.Where("variant_group_id = ? AND state = ?", *track.VariantGroupID, model.TrackStateNormal).
			Order("variant_number ASC").Order("id ASC").
			First(&next).Error
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		return tx.Model(&model.Track{}).Where("id = ?", next.ID).Update("is_master_variant", true).Error
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete track %d: %w", id, err)
	}
	return nil
}
