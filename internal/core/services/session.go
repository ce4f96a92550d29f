package services

import (
	"strings"
	"sync"
	"time"

	"eca.monitor/internal/core/domain"
)

// tailBytes is how much of each group's accumulated text is carried into
// the combined "all" view.
const tailBytes = 4096

// LogStream owns the accumulated text and cursor offset for one stream key
// (jobID, groupID|none). It is only ever touched by the one cycle currently
// responsible for it, so it needs no lock of its own.
type LogStream struct {
	GroupID   string
	Offset    int64
	LastFetch time.Time

	text strings.Builder
}

// Append adds a fetched delta and advances the cursor. Deltas are only ever
// appended; the accumulated text is never replaced.
func (s *LogStream) Append(delta string, newOffset int64, at time.Time) {
	s.text.WriteString(delta)
	if newOffset > s.Offset {
		s.Offset = newOffset
	}
	s.LastFetch = at
}

func (s *LogStream) Text() string {
	return s.text.String()
}

// Tail returns the last tailBytes of the accumulated text, cut at a line
// boundary when possible.
func (s *LogStream) Tail() string {
	text := s.text.String()
	if len(text) <= tailBytes {
		return text
	}
	tail := text[len(text)-tailBytes:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// Session is one live poll session over a watched job. One exists per open
// job view; it is destroyed when the panel closes, the job terminates, or a
// different session takes over the job.
type Session struct {
	ID    string
	JobID string
	Mode  domain.WatchMode

	token     uint64
	startedAt time.Time

	mu          sync.Mutex
	streams     map[string]*LogStream // keyed by group ID, "" in single mode
	groups      map[string]*domain.RunGroup
	groupSnaps  map[string]*domain.ProgressSnapshot
	activeGroup string
	status      domain.RunStatus

	connectionLost      bool
	consecutiveFailures int

	lastSnapshot *domain.ProgressSnapshot
	lastView     *domain.GroupStatusView
}

// SelectGroup switches the active tab. This is a pure view operation: each
// group's text is already retained independently, so no fetch happens.
func (s *Session) SelectGroup(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGroup = group
	if s.lastView != nil {
		s.lastView.ActiveGroup = group
	}
}

func (s *Session) Status() domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ConnectionLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionLost
}

// Snapshot returns the latest parsed snapshot (single-run mode).
func (s *Session) Snapshot() *domain.ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// View returns the latest merged group view (multi-group mode).
func (s *Session) View() *domain.GroupStatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastView
}

// LastActivity reports the most recent applied fetch across the session's
// streams. Zero until the first fetch settles.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Time
	for _, st := range s.streams {
		if st.LastFetch.After(t) {
			t = st.LastFetch
		}
	}
	return t
}

// LogText returns the accumulated text for one stream key; group is ""
// for single-run mode.
func (s *Session) LogText(group string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[group]; ok {
		return st.Text()
	}
	return ""
}
