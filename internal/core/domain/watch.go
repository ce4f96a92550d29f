package domain

import (
	"time"
)

type WatchMode string

const (
	WatchModeSingle WatchMode = "single"
	WatchModeMulti  WatchMode = "multi-group"
)

// Watch is one monitoring session over an upstream job. The live poll
// state (streams, token, backoff counters) is transient; this record is
// what survives for the dashboard's history view.
type Watch struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	JobID       string    `json:"job_id" gorm:"index"`
	Mode        WatchMode `json:"mode"`
	Status      RunStatus `json:"status"`
	GroupCount  int       `json:"group_count"`
	TotalFailed int       `json:"total_failed"`
	FailedHosts string    `json:"failed_hosts"` // comma-joined
	Active      bool      `json:"active" gorm:"index"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Watch) TableName() string {
	return "watches"
}
