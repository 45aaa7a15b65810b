package repository

import (
	"context"
	"fmt"
	"time"

	"tuneforge/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StemRepository defines the interface for stem data operations.
type StemRepository interface {
	Upsert(ctx context.Context, stem *model.Stem) (*model.Stem, error)
	ListByTrack(ctx context.Context, trackID int64) ([]*model.Stem, error)
	ListExternal(ctx context.Context, limit int) ([]*model.Stem, error)
	MarkStored(ctx context.Context, id int64, stemURL, storageKey string, fileSize int64) error
	MarkDownloadFailed(ctx context.Context, id int64) error
}

type gormStemRepository struct {
	db *gorm.DB
}

// NewStemRepository creates a GORM backed StemRepository.
func NewStemRepository(db *gorm.DB) StemRepository {
	return &gormStemRepository{db: db}
}

// Upsert inserts the stem unless (TrackID, VariantNumber, StemType) already
// exists, in which case the stored row is returned untouched.
func (r *gormStemRepository) Upsert(ctx context.Context, stem *model.Stem) (*model.Stem, error) {
	var result model.Stem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(stem).Error; err != nil {
			return err
		}
		return tx.Where("track_id = ? AND variant_number = ? AND stem_type = ?",
			stem.TrackID, stem.VariantNumber, stem.StemType).First(&result).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s stem for track %d: %w", stem.StemType, stem.TrackID, err)
	}
	return &result, nil
}

func (r *gormStemRepository) ListByTrack(ctx context.Context, trackID int64) ([]*model.Stem, error) {
	var stems []*model.Stem
	err := r.db.WithContext(ctx).
		Where("track_id = ?", trackID).
		Order("variant_number ASC").Order("stem_type ASC").
		Find(&stems).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stems for track %d: %w", trackID, err)
	}
	return stems, nil
}

// ListExternal mirrors the track variant: least tried first, capped at
// MaxDownloadAttempts.
func (r *gormStemRepository) ListExternal(ctx context.Context, limit int) ([]*model.Stem, error) {
	if limit <= 0 {
		limit = 100
	}
	var stems []*model.Stem
	err := r.db.WithContext(ctx).
		Where("storage_key = ? AND source_url <> ? AND download_attempts < ?", "", "", MaxDownloadAttempts).
		Order("download_attempts ASC").Order("id ASC").
		Limit(limit).
		Find(&stems).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query external stems: %w", err)
	}
	return stems, nil
}

func (r *gormStemRepository) MarkStored(ctx context.Context, id int64, stemURL, storageKey string, fileSize int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.Stem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stem_url":    stemURL,
			"storage_key": storageKey,
			"file_size":   fileSize,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark stem %d stored: %w", id, err)
	}
	return nil
}

func (r *gormStemRepository) MarkDownloadFailed(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.Stem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"download_attempts": gorm.Expr("download_attempts + 1"),
			"last_download_at":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record download failure for stem %d: %w", id, err)
	}
	return nil
}
