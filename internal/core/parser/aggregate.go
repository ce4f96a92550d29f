package parser

import (
	"sort"

	"eca.monitor/internal/core/domain"
)

// AggregateHosts folds live host status with the recap summary according to
// the recap-authority contract. While the run is streaming, pass/fail
// determination comes from the provisional live tallies; once the recap has
// been parsed, only recap data is used and live counts are discarded,
// because individual result lines can arrive before a host's run is fully
// summarized.
func AggregateHosts(snap *domain.ProgressSnapshot) domain.HostResults {
	if snap == nil {
		return domain.HostResults{}
	}
	if snap.HasRecap {
		return domain.HostResults{
			Authoritative: true,
			Failed:        snap.FailedHosts,
			Passed:        snap.PassedHosts,
			TotalFailed:   snap.TotalFailed,
		}
	}

	res := domain.HostResults{}
	for host, act := range snap.LiveHostStatus {
		if act.Fatal > 0 || act.Unreachable > 0 {
			res.Failed = append(res.Failed, host)
		}
	}
	sort.Strings(res.Failed)
	res.TotalFailed = len(res.Failed)
	return res
}
