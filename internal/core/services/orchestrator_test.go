package services

import (
	"context"
	"strings"
	"testing"

	"eca.monitor/internal/core/domain"
)

func twoGroups() map[string]*domain.RunGroup {
	return map[string]*domain.RunGroup{
		"grp-a": {ID: "grp-a", Label: "Rack A", Status: domain.GroupStatusRunning},
		"grp-b": {ID: "grp-b", Label: "Rack B", Status: domain.GroupStatusRunning},
	}
}

// Scenario: group A terminal and passed, group B still running.
func TestGroupTickPredicates(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		switch groupID {
		case "grp-a":
			return &domain.LogChunk{
				Text:        "PLAY RECAP ***\nh1 : ok=3    changed=1    unreachable=0    failed=0\n",
				Offset:      64,
				Status:      domain.RunStatusRunning,
				GroupStatus: domain.GroupStatusCompleted,
			}, nil
		default:
			return &domain.LogChunk{
				Text:        "TASK [Power up servers] ***\nok: [h2]\n",
				Offset:      40,
				Status:      domain.RunStatusRunning,
				GroupStatus: domain.GroupStatusRunning,
			}, nil
		}
	}}
	sink := &captureSink{}
	p := NewPoller(src, sink)
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	if terminal := p.groupTick(context.Background(), s); terminal {
		t.Fatal("tick with a running group reported terminal")
	}

	view := s.View()
	if view == nil {
		t.Fatal("no view built")
	}
	if !view.AnyRunning {
		t.Error("AnyRunning = false, want true")
	}
	if view.AllDone {
		t.Error("AllDone = true, want false")
	}
	if view.AnyFailed {
		t.Error("AnyFailed = true, want false")
	}
	if view.Groups["grp-a"].Snapshot == nil || !view.Groups["grp-a"].Snapshot.HasRecap {
		t.Error("group A snapshot missing recap")
	}
	if !strings.Contains(view.AllTail, "Rack A") || !strings.Contains(view.AllTail, "Rack B") {
		t.Errorf("combined tail missing group sections: %q", view.AllTail)
	}
}

func TestGroupTickAllTerminal(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		if groupID == "grp-a" {
			return &domain.LogChunk{
				Text:        "PLAY RECAP ***\nh1 : ok=1    changed=0    unreachable=0    failed=1\n",
				Offset:      64,
				Status:      domain.RunStatusFailed,
				GroupStatus: domain.GroupStatusFailed,
			}, nil
		}
		return &domain.LogChunk{
			Text:        "PLAY RECAP ***\nh2 : ok=4    changed=1    unreachable=0    failed=0\n",
			Offset:      64,
			Status:      domain.RunStatusFailed,
			GroupStatus: domain.GroupStatusCompleted,
		}, nil
	}}
	sink := &captureSink{}
	p := NewPoller(src, sink)
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	if terminal := p.groupTick(context.Background(), s); !terminal {
		t.Fatal("all groups terminal but tick not terminal")
	}

	view := s.View()
	if !view.AllDone || !view.AnyFailed || view.AnyRunning {
		t.Errorf("predicates = %+v, want allDone anyFailed !anyRunning", view)
	}
	if len(sink.runs) != 1 {
		t.Fatalf("run events = %d, want 1", len(sink.runs))
	}
	ev := sink.runs[0]
	if ev.Status != domain.RunStatusFailed {
		t.Errorf("run status = %s, want failed", ev.Status)
	}
	if ev.TotalFailed != 1 || len(ev.FailedHosts) != 1 || ev.FailedHosts[0] != "h1" {
		t.Errorf("aggregated failures = %d %v, want 1 [h1]", ev.TotalFailed, ev.FailedHosts)
	}
}

// Each group owns a disjoint stream: one group's fetch failing must not
// drop another group's delta, and the failure flips the connectivity
// indicator.
func TestGroupTickPartialFailure(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		if groupID == "grp-a" {
			return nil, &domain.NetworkError{Op: "fetch", Err: context.DeadlineExceeded}
		}
		return &domain.LogChunk{
			Text:        "ok: [h2]\n",
			Offset:      9,
			Status:      domain.RunStatusRunning,
			GroupStatus: domain.GroupStatusRunning,
		}, nil
	}}
	p := NewPoller(src, &captureSink{})
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	p.groupTick(context.Background(), s)

	if !s.ConnectionLost() {
		t.Error("partial fetch failure did not flip connection-lost")
	}
	if got := s.LogText("grp-b"); !strings.Contains(got, "ok: [h2]") {
		t.Errorf("healthy group's delta dropped: %q", got)
	}
	if got := s.LogText("grp-a"); got != "" {
		t.Errorf("failed group's stream mutated: %q", got)
	}
}

// Switching the active tab is a local view operation: the retained text is
// reused and no fetch is issued.
func TestSelectGroupTriggersNoFetch(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		return &domain.LogChunk{
			Text:        "ok: [h1]\n",
			Offset:      9,
			Status:      domain.RunStatusRunning,
			GroupStatus: domain.GroupStatusRunning,
		}, nil
	}}
	p := NewPoller(src, &captureSink{})
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	p.groupTick(context.Background(), s)
	before := src.fetches()

	s.SelectGroup("grp-b")
	if s.View().ActiveGroup != "grp-b" {
		t.Errorf("ActiveGroup = %s, want grp-b", s.View().ActiveGroup)
	}
	s.SelectGroup("all")

	if src.fetches() != before {
		t.Errorf("tab switch issued %d extra fetches", src.fetches()-before)
	}
}

// One outcome per group tick: lost when any group's fetch failed
// retryably, applied when all settled cleanly.
func TestGroupTickOutcomeHooks(t *testing.T) {
	failA := true
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		if failA && groupID == "grp-a" {
			return nil, &domain.NetworkError{Op: "fetch", Err: context.DeadlineExceeded}
		}
		return &domain.LogChunk{
			Text:        "ok: [h2]\n",
			Offset:      9,
			Status:      domain.RunStatusRunning,
			GroupStatus: domain.GroupStatusRunning,
		}, nil
	}}
	p := NewPoller(src, &captureSink{})
	var outcomes, classes []string
	p.OnCycle = func(o string) { outcomes = append(outcomes, o) }
	p.OnFetchFailure = func(c string) { classes = append(classes, c) }
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	p.groupTick(context.Background(), s)
	failA = false
	p.groupTick(context.Background(), s)

	want := []string{"lost", "applied"}
	if len(outcomes) != 2 || outcomes[0] != want[0] || outcomes[1] != want[1] {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
	if len(classes) != 1 || classes[0] != "network" {
		t.Errorf("classes = %v, want [network]", classes)
	}
}

func TestGroupViewCarriesHostResults(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		if groupID == "grp-a" {
			return &domain.LogChunk{
				Text:        "PLAY RECAP ***\nh1 : ok=1    changed=0    unreachable=0    failed=1\n",
				Offset:      64,
				Status:      domain.RunStatusRunning,
				GroupStatus: domain.GroupStatusFailed,
			}, nil
		}
		return &domain.LogChunk{
			Text:        "ok: [h2]\n",
			Offset:      9,
			Status:      domain.RunStatusRunning,
			GroupStatus: domain.GroupStatusRunning,
		}, nil
	}}
	p := NewPoller(src, &captureSink{})
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	p.groupTick(context.Background(), s)

	view := s.View()
	hostsA := view.Groups["grp-a"].Hosts
	if !hostsA.Authoritative {
		t.Error("recap-backed group not marked authoritative")
	}
	if len(hostsA.Failed) != 1 || hostsA.Failed[0] != "h1" {
		t.Errorf("group A failed hosts = %v, want [h1]", hostsA.Failed)
	}
	if view.Groups["grp-b"].Hosts.Authoritative {
		t.Error("group without recap marked authoritative")
	}
}

// A stale multi-group tick discards all settled group fetches.
func TestGroupTickStaleDiscarded(t *testing.T) {
	var p *Poller
	src := &fakeSource{}
	src.fetchFn = func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		p.NewSession("w2", jobID, domain.WatchModeMulti, twoGroups())
		return &domain.LogChunk{Text: "ok: [h1]\n", Offset: 9, Status: domain.RunStatusRunning, GroupStatus: domain.GroupStatusRunning}, nil
	}
	sink := &captureSink{}
	p = NewPoller(src, sink)
	s := p.NewSession("w1", "job-1", domain.WatchModeMulti, twoGroups())

	if terminal := p.groupTick(context.Background(), s); terminal {
		t.Error("stale tick reported terminal")
	}
	if s.LogText("grp-a") != "" || s.LogText("grp-b") != "" {
		t.Error("stale tick mutated group streams")
	}
	if len(sink.progress) != 0 {
		t.Error("stale tick published progress")
	}
}
