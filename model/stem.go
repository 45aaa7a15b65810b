package model

import "time"

// StemType names an isolated component of a track.
type StemType string

const (
	StemVocals       StemType = "vocals"
	StemInstrumental StemType = "instrumental"
	StemDrums        StemType = "drums"
	StemBass         StemType = "bass"
	StemOther        StemType = "other"
)

// Stem is derived from exactly one Track+variant pair and is never mutated
// after its audio is stored.
type Stem struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TrackID          int64      `gorm:"not null;uniqueIndex:uq_track_variant_stem" json:"trackId"`
	VariantNumber    int        `gorm:"not null;uniqueIndex:uq_track_variant_stem" json:"variantNumber"`
	StemType         StemType   `gorm:"type:varchar(32);not null;uniqueIndex:uq_track_variant_stem" json:"stemType"`
	StemURL          string     `gorm:"type:varchar(1024)" json:"stemUrl"`
	SourceURL        string     `gorm:"type:varchar(1024)" json:"-"`
	StorageKey       string     `gorm:"type:varchar(512)" json:"storageKey"`
	FileSize         int64      `json:"fileSize"`
	DownloadAttempts int        `gorm:"not null;default:0" json:"-"`
	LastDownloadAt   *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (Stem) TableName() string { return "track_stems" }
