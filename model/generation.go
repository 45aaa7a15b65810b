package model

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationStatus is the canonical state of a provider request.
type GenerationStatus string

const (
	StatusPending   GenerationStatus = "pending"
	StatusRunning   GenerationStatus = "running"
	StatusCompleted GenerationStatus = "completed"
	StatusFailed    GenerationStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s GenerationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Service identifies a music generation provider.
type Service string

const (
	ServiceSuno   Service = "suno"
	ServiceMureka Service = "mureka"
)

// Valid reports whether s is a supported music provider.
func (s Service) Valid() bool {
	return s == ServiceSuno || s == ServiceMureka
}

// TaskKind distinguishes song generation from stem separation.
type TaskKind string

const (
	KindMusic TaskKind = "music"
	KindStems TaskKind = "stems"
)

// FailureKind tells a provider-reported failure apart from a poll timeout.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureProvider  FailureKind = "provider"
	FailureTimeout   FailureKind = "timeout"
	FailureCancelled FailureKind = "cancelled"
)

// GenerationTask represents one request to an external AI music provider.
type GenerationTask struct {
	ID             string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         int64            `gorm:"not null;index" json:"userId"`
	Kind           TaskKind         `gorm:"type:varchar(16);not null;default:music" json:"kind"`
	ExternalTaskID *string          `gorm:"type:varchar(128);uniqueIndex" json:"externalTaskId"`
	Service        Service          `gorm:"type:varchar(16);not null" json:"service"`
	Status         GenerationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Progress       int              `gorm:"not null;default:0" json:"progress"`
	Prompt         string           `gorm:"type:text" json:"prompt"`
	ResultURL      *string          `gorm:"type:varchar(1024)" json:"resultUrl"`
	ErrorMessage   *string          `gorm:"type:text" json:"errorMessage"`
	FailureKind    FailureKind      `gorm:"type:varchar(16)" json:"failureKind,omitempty"`
	TrackID        *int64           `gorm:"index" json:"trackId"`
	SourceTrackID  *int64           `json:"sourceTrackId,omitempty"`
	SourceVariant  *int             `json:"sourceVariant,omitempty"`
	Metadata       datatypes.JSON   `json:"metadata"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    *time.Time       `json:"completedAt"`
}

func (GenerationTask) TableName() string { return "generation_tasks" }

// ExternalID returns the provider task id or "" before dispatch.
func (t *GenerationTask) ExternalID() string {
	if t.ExternalTaskID == nil {
		return ""
	}
	return *t.ExternalTaskID
}
