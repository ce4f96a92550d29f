package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/logger"
	"eca.monitor/internal/core/parser"
	"eca.monitor/internal/core/ports"
)

var (
	ErrWatchNotFound = errors.New("watch not found")
	ErrWatchLimit    = errors.New("too many active watches")
)

// WatchService owns the lifecycle of watch sessions: opening one on an
// upstream job, handing it to the poller, and recording its outcome.
type WatchService struct {
	repo    ports.WatchRepository
	source  ports.LogSource
	archive ports.FailureArchive
	poller  *Poller

	maxActive int

	mu       sync.Mutex
	sessions map[string]*sessionHandle // watch ID -> live session
	byJob    map[string]string         // job ID -> watch ID
	opening  int                       // slots reserved by in-flight OpenWatch calls
}

type sessionHandle struct {
	session *Session
	cancel  context.CancelFunc
}

func NewWatchService(
	repo ports.WatchRepository,
	source ports.LogSource,
	archive ports.FailureArchive,
	poller *Poller,
	maxActive int,
) *WatchService {
	if maxActive <= 0 {
		maxActive = 50
	}
	s := &WatchService{
		repo:      repo,
		source:    source,
		archive:   archive,
		poller:    poller,
		maxActive: maxActive,
		sessions:  make(map[string]*sessionHandle),
		byJob:     make(map[string]string),
	}
	poller.OnTerminal = s.handleTerminal
	return s
}

// OpenWatch starts monitoring a job. An existing watch on the same job is
// torn down first, so at most one session ever owns a job's streams. The
// initial upstream fetch decides the mode: a multi-group overview response
// creates one stream per group, anything else a single implicit stream.
func (s *WatchService) OpenWatch(ctx context.Context, jobID string) (*domain.Watch, error) {
	s.mu.Lock()
	if prev, ok := s.byJob[jobID]; ok {
		s.closeLocked(prev)
	}
	// Reserve a slot so concurrent opens cannot all pass the check and
	// overshoot the cap while the overview fetch is in flight.
	if len(s.sessions)+s.opening >= s.maxActive {
		s.mu.Unlock()
		return nil, ErrWatchLimit
	}
	s.opening++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.opening--
		s.mu.Unlock()
	}()

	overview, err := s.source.Overview(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("initial fetch for job %s: %w", jobID, err)
	}

	mode := domain.WatchModeSingle
	var groups map[string]*domain.RunGroup
	if overview.MultiGroup {
		mode = domain.WatchModeMulti
		groups = make(map[string]*domain.RunGroup, len(overview.Groups))
		for gid, meta := range overview.Groups {
			groups[gid] = &domain.RunGroup{
				ID:     gid,
				Label:  meta.Label,
				Hosts:  meta.Hosts,
				Tags:   meta.Tags,
				Status: meta.Status,
			}
		}
	}

	watch := &domain.Watch{
		ID:         fmt.Sprintf("watch-%s", uuid.New().String()),
		JobID:      jobID,
		Mode:       mode,
		Status:     overview.Status,
		GroupCount: len(groups),
		Active:     true,
		OpenedAt:   time.Now(),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.repo.Create(ctx, watch); err != nil {
		return nil, err
	}

	session := s.poller.NewSession(watch.ID, jobID, mode, groups)
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.sessions[watch.ID] = &sessionHandle{session: session, cancel: cancel}
	s.byJob[jobID] = watch.ID
	s.mu.Unlock()

	go func() {
		s.poller.Run(runCtx, session)
		s.mu.Lock()
		if h, ok := s.sessions[watch.ID]; ok && h.session == session {
			delete(s.sessions, watch.ID)
			if s.byJob[jobID] == watch.ID {
				delete(s.byJob, jobID)
			}
		}
		s.mu.Unlock()
	}()

	logger.Info("Watch opened", "watch_id", watch.ID, "job_id", jobID, "mode", mode, "groups", len(groups))
	return watch, nil
}

// CloseWatch tears down the session (panel closed). The in-flight cycle, if
// any, is discarded by the token check.
func (s *WatchService) CloseWatch(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.sessions[id]
	if ok {
		s.closeLocked(id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrWatchNotFound
	}

	watch, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	watch.Active = false
	watch.ClosedAt = time.Now()
	watch.Status = h.session.Status()
	watch.UpdatedAt = time.Now()
	return s.repo.Update(ctx, watch)
}

// closeLocked cancels and unregisters a session. Caller holds s.mu.
func (s *WatchService) closeLocked(id string) {
	h, ok := s.sessions[id]
	if !ok {
		return
	}
	s.poller.Invalidate(h.session)
	h.cancel()
	delete(s.sessions, id)
	if s.byJob[h.session.JobID] == id {
		delete(s.byJob, h.session.JobID)
	}
}

// handleTerminal records the outcome once the poller reports a terminal
// status, and archives failed runs.
func (s *WatchService) handleTerminal(ctx context.Context, session *Session, ev domain.RunEvent) {
	watch, err := s.repo.Get(ctx, session.ID)
	if err != nil {
		logger.Error("Failed to load watch for terminal update", "watch_id", session.ID, "error", err)
		return
	}
	watch.Active = false
	watch.Status = ev.Status
	watch.TotalFailed = ev.TotalFailed
	watch.FailedHosts = strings.Join(ev.FailedHosts, ",")
	watch.ClosedAt = ev.At
	watch.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, watch); err != nil {
		logger.Error("Failed to persist terminal watch state", "watch_id", session.ID, "error", err)
	}

	if ev.Status == domain.RunStatusFailed && s.archive != nil {
		rec := &domain.FailureRecord{
			WatchID:     ev.WatchID,
			JobID:       ev.JobID,
			Status:      ev.Status,
			TotalFailed: ev.TotalFailed,
			FailedHosts: ev.FailedHosts,
			FailedAt:    ev.At,
		}
		if err := s.archive.Add(ctx, rec); err != nil {
			logger.Warn("Failed to archive failed run", "watch_id", ev.WatchID, "error", err)
		}
	}
}

func (s *WatchService) GetWatch(ctx context.Context, id string) (*domain.Watch, error) {
	return s.repo.Get(ctx, id)
}

// LiveStatus is the structured progress record served to the UI for one
// open watch.
type LiveStatus struct {
	WatchID        string                   `json:"watch_id"`
	JobID          string                   `json:"job_id"`
	Mode           domain.WatchMode         `json:"mode"`
	Status         domain.RunStatus         `json:"status"`
	ConnectionLost bool                     `json:"connection_lost"`
	Snapshot       *domain.ProgressSnapshot `json:"snapshot,omitempty"`
	Hosts          *domain.HostResults      `json:"hosts,omitempty"`
	View           *domain.GroupStatusView  `json:"view,omitempty"`
}

func (s *WatchService) GetLiveStatus(id string) (*LiveStatus, error) {
	s.mu.Lock()
	h, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrWatchNotFound
	}
	sess := h.session
	status := &LiveStatus{
		WatchID:        sess.ID,
		JobID:          sess.JobID,
		Mode:           sess.Mode,
		Status:         sess.Status(),
		ConnectionLost: sess.ConnectionLost(),
		Snapshot:       sess.Snapshot(),
		View:           sess.View(),
	}
	if status.Snapshot != nil {
		hosts := parser.AggregateHosts(status.Snapshot)
		status.Hosts = &hosts
	}
	return status, nil
}

// GetLogText returns the accumulated text for one stream of an open watch;
// pure local read, no fetch.
func (s *WatchService) GetLogText(id, group string) (string, error) {
	s.mu.Lock()
	h, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return "", ErrWatchNotFound
	}
	return h.session.LogText(group), nil
}

// SelectGroup switches the active tab for a multi-group watch. Local view
// state only; no fetch is triggered.
func (s *WatchService) SelectGroup(id, group string) error {
	s.mu.Lock()
	h, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return ErrWatchNotFound
	}
	h.session.SelectGroup(group)
	return nil
}

// StopRun asks the upstream to cancel one group or the whole job. Whatever
// this call returns, the next poll's reported status stays authoritative.
func (s *WatchService) StopRun(ctx context.Context, id, groupID string) error {
	s.mu.Lock()
	h, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return ErrWatchNotFound
	}
	return s.source.Stop(ctx, h.session.JobID, groupID)
}

// PaginatedWatches is a page of watch history with metadata.
type PaginatedWatches struct {
	Watches []*domain.Watch `json:"watches"`
	Total   int64           `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
	HasMore bool            `json:"has_more"`
}

func (s *WatchService) ListWatches(ctx context.Context, offset, limit int) (*PaginatedWatches, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	watches, err := s.repo.List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}

	return &PaginatedWatches{
		Watches: watches,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(watches) < int(total),
	}, nil
}

// ActiveSessionCount reports how many poll sessions are currently live.
func (s *WatchService) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionInfo is a monitoring view of one live session.
type SessionInfo struct {
	WatchID        string
	JobID          string
	ConnectionLost bool
	LastActivity   time.Time
}

// SessionInfos snapshots every live session for the watch monitor.
func (s *WatchService) SessionInfos() []SessionInfo {
	s.mu.Lock()
	handles := make([]*sessionHandle, 0, len(s.sessions))
	for _, h := range s.sessions {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, SessionInfo{
			WatchID:        h.session.ID,
			JobID:          h.session.JobID,
			ConnectionLost: h.session.ConnectionLost(),
			LastActivity:   h.session.LastActivity(),
		})
	}
	return infos
}
