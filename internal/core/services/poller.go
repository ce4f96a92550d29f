package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/logger"
	"eca.monitor/internal/core/parser"
	"eca.monitor/internal/core/ports"
	"eca.monitor/internal/core/tracing"
)

// Poller drives the fetch+parse cycles for every live session. Each session
// is advanced by exactly one logical cycle at a time: the next cycle is only
// scheduled after the previous one settles, so two in-flight fetches can
// never race on the same stream's offset and text.
type Poller struct {
	source ports.LogSource
	sink   ports.ProgressSink

	// OnTerminal is invoked once when a session's run reaches a terminal
	// status, before the session is invalidated.
	OnTerminal func(ctx context.Context, s *Session, ev domain.RunEvent)

	// Observability hooks, wired by the server to the metrics collectors.
	// All optional.
	OnCycle        func(outcome string)
	OnFetchFailure func(class string)
	OnParse        func(d time.Duration)

	mu      sync.Mutex
	tokens  map[string]uint64 // job ID -> token of the session that owns it
	lastTok uint64

	now func() time.Time
}

func NewPoller(source ports.LogSource, sink ports.ProgressSink) *Poller {
	return &Poller{
		source: source,
		sink:   sink,
		tokens: make(map[string]uint64),
		now:    time.Now,
	}
}

// NewSession registers a poll session for a job. Tokens increase
// monotonically and the registration immediately invalidates any previous
// session watching the same job: a fetch belonging to the old session that
// settles later is discarded, never applied.
func (p *Poller) NewSession(id, jobID string, mode domain.WatchMode, groups map[string]*domain.RunGroup) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTok++

	s := &Session{
		ID:          id,
		JobID:       jobID,
		Mode:        mode,
		token:       p.lastTok,
		startedAt:   p.now(),
		streams:     make(map[string]*LogStream),
		groups:      make(map[string]*domain.RunGroup),
		activeGroup: "all",
		status:      domain.RunStatusRunning,
	}
	if mode == domain.WatchModeMulti {
		s.groupSnaps = make(map[string]*domain.ProgressSnapshot)
		for gid, g := range groups {
			s.streams[gid] = &LogStream{GroupID: gid}
			s.groups[gid] = g
		}
	} else {
		s.streams[""] = &LogStream{}
	}

	p.tokens[jobID] = s.token
	return s
}

// Invalidate tears the session down. Safe to call more than once; a newer
// session owning the same job is left untouched.
func (p *Poller) Invalidate(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens[s.JobID] == s.token {
		delete(p.tokens, s.JobID)
	}
}

func (p *Poller) alive(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[s.JobID] == s.token
}

// Cycle outcomes reported to the OnCycle hook.
const (
	cycleApplied = "applied"
	cycleLost    = "lost"
	cycleAnomaly = "anomaly"
	cycleStale   = "stale"
)

func (p *Poller) observeCycle(outcome string) {
	if p.OnCycle != nil {
		p.OnCycle(outcome)
	}
}

func (p *Poller) observeFetchFailure(err error) {
	if p.OnFetchFailure != nil {
		p.OnFetchFailure(failureClass(err))
	}
}

// failureClass buckets a fetch error for the failure counter.
func failureClass(err error) string {
	var httpErr *domain.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 {
			return "http_5xx"
		}
		return "http_4xx"
	}
	return "network"
}

// parse runs one parser pass and feeds the duration hook.
func (p *Poller) parse(text string) *domain.ProgressSnapshot {
	start := time.Now()
	snap := parser.Parse(text)
	if p.OnParse != nil {
		p.OnParse(time.Since(start))
	}
	return snap
}

// Run is the scheduler loop for one session: cycle, re-validate the token,
// decide the next delay, and stop permanently on a terminal status or
// teardown. The first cycle fires immediately.
func (p *Poller) Run(ctx context.Context, s *Session) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !p.alive(s) {
			return
		}

		var terminal bool
		if s.Mode == domain.WatchModeMulti {
			terminal = p.groupTick(ctx, s)
		} else {
			terminal = p.singleTick(ctx, s)
		}

		if !p.alive(s) {
			return
		}
		if terminal {
			p.Invalidate(s)
			return
		}
		timer.Reset(p.delayFor(s))
	}
}

// singleTick runs one fetch+parse cycle for a single-run session and
// reports whether the run reached a terminal status.
func (p *Poller) singleTick(ctx context.Context, s *Session) bool {
	cctx, span := tracing.StartSpan(ctx, "poll.cycle")
	defer span.End()

	s.mu.Lock()
	stream := s.streams[""]
	offset := stream.Offset
	s.mu.Unlock()

	chunk, err := p.source.Fetch(cctx, s.JobID, "", offset)
	if !p.alive(s) {
		// Token changed while the fetch was in flight: discard.
		p.observeCycle(cycleStale)
		return false
	}
	if err != nil {
		p.observeFetchFailure(err)
		if domain.Retryable(err) {
			p.observeCycle(cycleLost)
		} else {
			p.observeCycle(cycleAnomaly)
		}
		p.noteFetchError(s, err)
		p.publishProgress(cctx, s, "")
		return false
	}
	p.observeCycle(cycleApplied)

	s.mu.Lock()
	s.connectionLost = false
	s.consecutiveFailures = 0
	stream.Append(chunk.Text, chunk.Offset, p.now())
	snap := p.parse(stream.Text())
	s.lastSnapshot = snap
	if chunk.Status != "" {
		s.status = chunk.Status
	}
	status := s.status
	s.mu.Unlock()

	p.publishProgress(cctx, s, "")

	if runTerminal(status, snap) {
		p.finish(cctx, s, domain.RunEvent{
			WatchID:     s.ID,
			JobID:       s.JobID,
			Status:      status,
			TotalFailed: snap.TotalFailed,
			FailedHosts: snap.FailedHosts,
			At:          p.now(),
		})
		return true
	}
	return false
}

// runTerminal: completed and stopped are always final; failed only counts
// once the recap is in, since the log can still be growing toward it.
func runTerminal(status domain.RunStatus, snap *domain.ProgressSnapshot) bool {
	switch status {
	case domain.RunStatusCompleted, domain.RunStatusStopped:
		return true
	case domain.RunStatusFailed:
		return snap != nil && snap.HasRecap
	}
	return false
}

func (p *Poller) noteFetchError(s *Session, err error) {
	if domain.Retryable(err) {
		s.mu.Lock()
		s.connectionLost = true
		s.consecutiveFailures++
		failures := s.consecutiveFailures
		s.mu.Unlock()
		logger.Warn("Upstream fetch failed, backing off",
			"job_id", s.JobID, "consecutive_failures", failures, "error", err)
		return
	}
	// A non-retryable response means the server answered: the connection is
	// fine, this cycle just produced nothing usable.
	s.mu.Lock()
	s.connectionLost = false
	s.consecutiveFailures = 0
	s.mu.Unlock()
	logger.Warn("Upstream fetch anomaly, continuing", "job_id", s.JobID, "error", err)
}

func (p *Poller) publishProgress(ctx context.Context, s *Session, groupID string) {
	s.mu.Lock()
	ev := domain.ProgressEvent{
		WatchID:        s.ID,
		JobID:          s.JobID,
		GroupID:        groupID,
		Status:         s.status,
		Snapshot:       s.lastSnapshot,
		View:           s.lastView,
		ConnectionLost: s.connectionLost,
		At:             p.now(),
	}
	if s.lastSnapshot != nil {
		hosts := parser.AggregateHosts(s.lastSnapshot)
		ev.Hosts = &hosts
	}
	s.mu.Unlock()

	if err := p.sink.PublishProgress(ctx, ev); err != nil {
		logger.Warn("Failed to publish progress event", "watch_id", s.ID, "error", err)
	}
}

func (p *Poller) finish(ctx context.Context, s *Session, ev domain.RunEvent) {
	if err := p.sink.PublishRunEvent(ctx, ev); err != nil {
		logger.Warn("Failed to publish run event", "watch_id", s.ID, "error", err)
	}
	if p.OnTerminal != nil {
		p.OnTerminal(ctx, s, ev)
	}
	logger.Info("Watch reached terminal status",
		"watch_id", s.ID, "job_id", s.JobID, "status", ev.Status, "total_failed", ev.TotalFailed)
}

func (p *Poller) delayFor(s *Session) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextDelay(p.now().Sub(s.startedAt), s.connectionLost, s.consecutiveFailures)
}

// nextDelay picks the pause before the next cycle. Healthy connections poll
// on a tier keyed by how long the run has been going; lost connections back
// off linearly with each additional failure, capped at 15s.
func nextDelay(elapsed time.Duration, lost bool, failures int) time.Duration {
	if lost {
		ms := 5000 + failures*2000
		if ms > 15000 {
			ms = 15000
		}
		return time.Duration(ms) * time.Millisecond
	}
	switch {
	case elapsed < 30*time.Second:
		return 1500 * time.Millisecond
	case elapsed < 120*time.Second:
		return 2500 * time.Millisecond
	default:
		return 4 * time.Second
	}
}
