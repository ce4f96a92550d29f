package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/logger"
	"eca.monitor/internal/core/parser"
	"eca.monitor/internal/core/tracing"
)

type groupFetch struct {
	chunk *domain.LogChunk
	err   error
}

// groupTick runs one scheduling cycle for a multi-group session: every
// group's stream is fetched concurrently (each owns a disjoint key, so the
// fan-out shares no mutable state), the tick completes only once all of
// them settle, and only then are the aggregate predicates computed.
// Reports whether every group reached a terminal status.
func (p *Poller) groupTick(ctx context.Context, s *Session) bool {
	cctx, span := tracing.StartSpan(ctx, "poll.group_cycle")
	defer span.End()

	s.mu.Lock()
	offsets := make(map[string]int64, len(s.streams))
	for gid, st := range s.streams {
		offsets[gid] = st.Offset
	}
	s.mu.Unlock()

	results := make(map[string]groupFetch, len(offsets))
	var rmu sync.Mutex
	var wg sync.WaitGroup
	for gid, off := range offsets {
		wg.Add(1)
		go func(gid string, off int64) {
			defer wg.Done()
			chunk, err := p.source.Fetch(cctx, s.JobID, gid, off)
			rmu.Lock()
			results[gid] = groupFetch{chunk: chunk, err: err}
			rmu.Unlock()
		}(gid, off)
	}
	wg.Wait()

	if !p.alive(s) {
		// Invalidated mid-flight: none of the settled fetches are applied.
		p.observeCycle(cycleStale)
		return false
	}

	now := p.now()
	lostTick := false
	anomalyTick := false

	s.mu.Lock()
	for gid, res := range results {
		if res.err != nil {
			p.observeFetchFailure(res.err)
			if domain.Retryable(res.err) {
				lostTick = true
			} else {
				anomalyTick = true
				logger.Warn("Group fetch anomaly, continuing",
					"job_id", s.JobID, "group_id", gid, "error", res.err)
			}
			continue
		}
		stream := s.streams[gid]
		stream.Append(res.chunk.Text, res.chunk.Offset, now)
		s.groupSnaps[gid] = p.parse(stream.Text())
		if res.chunk.Status != "" {
			s.status = res.chunk.Status
		}
		if g := s.groups[gid]; g != nil && res.chunk.GroupStatus != "" {
			g.Status = res.chunk.GroupStatus
		}
	}

	if lostTick {
		s.connectionLost = true
		s.consecutiveFailures++
	} else {
		s.connectionLost = false
		s.consecutiveFailures = 0
	}

	switch {
	case lostTick:
		p.observeCycle(cycleLost)
	case anomalyTick:
		p.observeCycle(cycleAnomaly)
	default:
		p.observeCycle(cycleApplied)
	}

	view := p.buildView(s)
	s.lastView = view
	status := s.status
	s.mu.Unlock()

	p.publishProgress(cctx, s, "")

	if view.AllDone {
		ev := domain.RunEvent{
			WatchID: s.ID,
			JobID:   s.JobID,
			Status:  status,
			At:      now,
		}
		if view.AnyFailed {
			ev.Status = domain.RunStatusFailed
		}
		for _, gid := range sortedGroupIDs(view.Groups) {
			if snap := view.Groups[gid].Snapshot; snap != nil {
				ev.TotalFailed += snap.TotalFailed
				ev.FailedHosts = append(ev.FailedHosts, snap.FailedHosts...)
			}
		}
		p.finish(cctx, s, ev)
		return true
	}
	return false
}

// buildView merges per-group state into a GroupStatusView. Caller holds
// s.mu.
func (p *Poller) buildView(s *Session) *domain.GroupStatusView {
	view := &domain.GroupStatusView{
		Groups:      make(map[string]*domain.GroupView, len(s.groups)),
		ActiveGroup: s.activeGroup,
		AllDone:     true,
	}

	gids := make([]string, 0, len(s.groups))
	for gid := range s.groups {
		gids = append(gids, gid)
	}
	sort.Strings(gids)

	var allTail strings.Builder
	for _, gid := range gids {
		g := s.groups[gid]
		gv := &domain.GroupView{
			Group:    *g,
			Snapshot: s.groupSnaps[gid],
			Hosts:    parser.AggregateHosts(s.groupSnaps[gid]),
			Tail:     s.streams[gid].Tail(),
		}
		view.Groups[gid] = gv

		switch g.Status {
		case domain.GroupStatusRunning, domain.GroupStatusQueued:
			view.AnyRunning = g.Status == domain.GroupStatusRunning || view.AnyRunning
			view.AllDone = false
		case domain.GroupStatusFailed:
			view.AnyFailed = true
		}
		if !g.Status.Terminal() {
			view.AllDone = false
		}

		if gv.Tail != "" {
			fmt.Fprintf(&allTail, "=== %s ===\n%s\n", g.Label, gv.Tail)
		}
	}
	view.AllTail = allTail.String()
	return view
}

func sortedGroupIDs(groups map[string]*domain.GroupView) []string {
	gids := make([]string, 0, len(groups))
	for gid := range groups {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	return gids
}
