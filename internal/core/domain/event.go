package domain

import "time"

// ProgressEvent is published after every applied fetch+parse cycle.
type ProgressEvent struct {
	WatchID        string            `json:"watch_id"`
	JobID          string            `json:"job_id"`
	GroupID        string            `json:"group_id,omitempty"`
	Status         RunStatus         `json:"status"`
	Snapshot       *ProgressSnapshot `json:"snapshot,omitempty"`
	Hosts          *HostResults      `json:"hosts,omitempty"`
	View           *GroupStatusView  `json:"view,omitempty"`
	ConnectionLost bool              `json:"connection_lost"`
	At             time.Time         `json:"at"`
}

// RunEvent is published once, when a watched run reaches a terminal status.
type RunEvent struct {
	WatchID     string    `json:"watch_id"`
	JobID       string    `json:"job_id"`
	Status      RunStatus `json:"status"`
	TotalFailed int       `json:"total_failed"`
	FailedHosts []string  `json:"failed_hosts,omitempty"`
	At          time.Time `json:"at"`
}

// FailureRecord is what lands in the failure archive when a watched run
// ends failed.
type FailureRecord struct {
	WatchID     string    `json:"watch_id"`
	JobID       string    `json:"job_id"`
	Status      RunStatus `json:"status"`
	TotalFailed int       `json:"total_failed"`
	FailedHosts []string  `json:"failed_hosts,omitempty"`
	FailedAt    time.Time `json:"failed_at"`
}

// GroupView is one group's slice of a multi-group status view.
type GroupView struct {
	Group    RunGroup          `json:"group"`
	Snapshot *ProgressSnapshot `json:"snapshot,omitempty"`
	Hosts    HostResults       `json:"hosts"`
	Tail     string            `json:"tail,omitempty"`
}

// GroupStatusView is the orchestrator's merged view of every group plus
// the cross-group predicates the scheduler and presenters consume.
type GroupStatusView struct {
	Groups      map[string]*GroupView `json:"groups"`
	ActiveGroup string                `json:"active_group"` // "all" or a group ID
	AnyRunning  bool                  `json:"any_running"`
	AllDone     bool                  `json:"all_done"`
	AnyFailed   bool                  `json:"any_failed"`
	AllTail     string                `json:"all_tail,omitempty"`
}
