package model

import "time"

// InFlightTask is the durable record of a task being polled, so polling can
// resume after a restart.
type InFlightTask struct {
	TaskID         string    `json:"taskId"`
	UserID         int64     `json:"userId"`
	Service        Service   `json:"service"`
	Kind           TaskKind  `json:"kind"`
	ExternalTaskID string    `json:"externalTaskId"`
	StartedAt      time.Time `json:"startedAt"`
}
