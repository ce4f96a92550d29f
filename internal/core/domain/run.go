package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusSaved     RunStatus = "saved"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the run can no longer produce new log output.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

type GroupStatus string

const (
	GroupStatusQueued    GroupStatus = "queued"
	GroupStatusRunning   GroupStatus = "running"
	GroupStatusCompleted GroupStatus = "completed"
	GroupStatusFailed    GroupStatus = "failed"
	GroupStatusStopped   GroupStatus = "stopped"
	GroupStatusUnknown   GroupStatus = "unknown"
)

func (s GroupStatus) Terminal() bool {
	switch s {
	case GroupStatusCompleted, GroupStatusFailed, GroupStatusStopped:
		return true
	}
	return false
}

// RunGroup is an independently-scheduled partition of a job's hosts and
// task tags. It is defined before dispatch and becomes read-only status
// data once the upstream reports it in the multi-group log response.
type RunGroup struct {
	ID          string      `json:"group_id"`
	Label       string      `json:"label"`
	Workflow    string      `json:"workflow,omitempty"`
	ServerClass string      `json:"server_class,omitempty"`
	Hosts       string      `json:"hosts"`
	Tags        []string    `json:"tags"`
	Status      GroupStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitzero"`
	EndedAt     time.Time   `json:"ended_at,omitzero"`
}

// GroupMeta is the per-group metadata carried by the upstream multi-group
// log overview response.
type GroupMeta struct {
	Label     string      `json:"label"`
	Status    GroupStatus `json:"status"`
	LogSize   int64       `json:"logSize"`
	Tags      []string    `json:"tags"`
	Hosts     string      `json:"hosts"`
	StartedAt string      `json:"startedAt,omitempty"`
	EndedAt   string      `json:"endedAt,omitempty"`
	Result    string      `json:"result,omitempty"`
}

// LogChunk is one upstream log fetch result. Offset is the cursor to pass
// on the next fetch; it may jump ahead of the requested offset when the
// upstream clamps an oversized full-log read to its tail.
type LogChunk struct {
	Text        string
	Offset      int64
	Size        int64
	Status      RunStatus
	GroupStatus GroupStatus
	MultiGroup  bool
	Groups      map[string]GroupMeta
	Note        string
}
