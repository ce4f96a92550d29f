package domain

// Phase is a logical grouping of consecutive tasks used for human-readable
// progress display.
type Phase string

const (
	PhasePowerDown     Phase = "power-down"
	PhasePowerCycle    Phase = "power-cycle"
	PhasePowerUp       Phase = "power-up"
	PhaseDisableLLDP   Phase = "disable-discovery-protocol"
	PhaseEnableLLDP    Phase = "enable-discovery-protocol"
	PhaseRackSlot      Phase = "rack-slot"
	PhaseAssetTag      Phase = "asset-tag"
	PhaseFirmware      Phase = "firmware"
	PhaseImportConfig  Phase = "import-config"
	PhaseDiagnostics   Phase = "diagnostics"
	PhaseSupportBundle Phase = "collect-support-bundle"
	PhaseCleanup       Phase = "cleanup"
)

// HostStat is one authoritative recap summary line.
type HostStat struct {
	Host        string `json:"host"`
	Ok          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Unreachable int    `json:"unreachable"`
	Failed      int    `json:"failed"`
}

// HostActivity is the provisional per-host tally built from individual
// result lines before the recap arrives.
type HostActivity struct {
	Ok          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Fatal       int    `json:"fatal"`
	Unreachable int    `json:"unreachable"`
	Skipped     int    `json:"skipped"`
	LastResult  string `json:"last_result"`
}

// HostResults is the reconciled per-host view of a snapshot: authoritative
// recap data once it exists, provisional live tallies before that.
// Presenters consume this instead of re-deriving pass/fail from the raw
// snapshot.
type HostResults struct {
	Authoritative bool     `json:"authoritative"`
	Failed        []string `json:"failed,omitempty"`
	Passed        []string `json:"passed,omitempty"`
	TotalFailed   int      `json:"total_failed"`
}

// ProgressSnapshot is the structured view derived from one parse pass over
// the accumulated log text. It is immutable once returned.
//
// TaskCount grows as TASK markers are observed, so any percentage derived
// from it is an estimate against a moving denominator, not a true total.
type ProgressSnapshot struct {
	TaskCount       int                      `json:"task_count"`
	CompletedTasks  int                      `json:"completed_tasks"`
	LastTask        string                   `json:"last_task,omitempty"`
	CurrentPhase    Phase                    `json:"current_phase,omitempty"`
	CompletedPhases []Phase                  `json:"completed_phases,omitempty"`
	HasRecap        bool                     `json:"has_recap"`
	TotalFailed     int                      `json:"total_failed"`
	FailedHosts     []string                 `json:"failed_hosts,omitempty"`
	PassedHosts     []string                 `json:"passed_hosts,omitempty"`
	HostStats       []HostStat               `json:"host_stats,omitempty"`
	LiveHostStatus  map[string]*HostActivity `json:"live_host_status,omitempty"`
	LastFatal       string                   `json:"last_fatal,omitempty"`
}
