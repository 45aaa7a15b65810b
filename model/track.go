package model

import (
	"time"

	"gorm.io/datatypes"
)

// Track states.
const (
	TrackStateDeleted int8 = 0
	TrackStateNormal  int8 = 1
)

// Track is a persisted, playable music asset. Generated tracks point back at
// their GenerationTask; uploaded ones have no generation origin.
type Track struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64          `gorm:"not null;index" json:"userId"`
	GenerationTaskID *string        `gorm:"type:varchar(36);uniqueIndex:uq_task_clip" json:"generationTaskId"`
	ClipIndex        int            `gorm:"not null;default:0;uniqueIndex:uq_task_clip" json:"clipIndex"`
	ProviderTaskID   *string        `gorm:"type:varchar(128);index" json:"providerTaskId"`
	ClipID           string         `gorm:"type:varchar(128)" json:"clipId"`
	Title            string         `gorm:"type:varchar(255)" json:"title"`
	AudioURL         string         `gorm:"type:varchar(1024)" json:"audioUrl"`
	SourceURL        string         `gorm:"type:varchar(1024)" json:"-"`          // original provider URL
	StorageKey       string         `gorm:"type:varchar(512)" json:"storageKey"` // empty while the audio is still external
	CoverURL         string         `gorm:"type:varchar(1024)" json:"coverUrl"`
	Duration         float32        `json:"duration"` // seconds
	Lyrics           string         `gorm:"type:text" json:"lyrics"`
	Tags             string         `gorm:"type:varchar(512)" json:"tags"`
	VariantGroupID   *string        `gorm:"type:varchar(36);index" json:"variantGroupId"`
	VariantNumber    *int           `json:"variantNumber"`
	IsMasterVariant  bool           `gorm:"not null;default:false" json:"isMasterVariant"`
	DownloadAttempts int            `gorm:"not null;default:0" json:"-"` // failed storage copies
	LastDownloadAt   *time.Time     `json:"-"`
	State            int8           `gorm:"not null;default:1" json:"state"`
	Metadata         datatypes.JSON `json:"metadata"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func (Track) TableName() string { return "tracks" }

// IsLocal reports whether the audio has been copied into object storage.
func (t *Track) IsLocal() bool {
	return t.StorageKey != ""
}
