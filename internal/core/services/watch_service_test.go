package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"eca.monitor/internal/core/domain"
)

type memRepo struct {
	mu      sync.Mutex
	watches map[string]*domain.Watch
}

func newMemRepo() *memRepo {
	return &memRepo{watches: make(map[string]*domain.Watch)}
}

func (r *memRepo) Create(ctx context.Context, w *domain.Watch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.watches[w.ID] = &cp
	return nil
}

func (r *memRepo) Update(ctx context.Context, w *domain.Watch) error {
	return r.Create(ctx, w)
}

func (r *memRepo) Get(ctx context.Context, id string) (*domain.Watch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watches[id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, ErrWatchNotFound
}

func (r *memRepo) List(ctx context.Context, offset, limit int) ([]*domain.Watch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Watch, 0, len(r.watches))
	for _, w := range r.watches {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.watches)), nil
}

func (r *memRepo) CountActive(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, w := range r.watches {
		if w.Active {
			n++
		}
	}
	return n, nil
}

type memArchive struct {
	mu   sync.Mutex
	recs []*domain.FailureRecord
}

func (a *memArchive) Add(ctx context.Context, rec *domain.FailureRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *memArchive) List(ctx context.Context, offset, limit int64) ([]*domain.FailureRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.FailureRecord(nil), a.recs...), nil
}

func (a *memArchive) Count(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.recs)), nil
}

func (a *memArchive) Remove(ctx context.Context, watchID string) error {
	return nil
}

func runningSource() *fakeSource {
	return &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		return &domain.LogChunk{
			Text:   "TASK [Power up servers] ***\n",
			Offset: 28,
			Status: domain.RunStatusRunning,
		}, nil
	}}
}

func TestOpenWatchSingleMode(t *testing.T) {
	src := runningSource()
	repo := newMemRepo()
	svc := NewWatchService(repo, src, &memArchive{}, NewPoller(src, &captureSink{}), 10)

	watch, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer svc.CloseWatch(context.Background(), watch.ID)

	if watch.Mode != domain.WatchModeSingle {
		t.Errorf("mode = %s, want single", watch.Mode)
	}
	if !watch.Active {
		t.Error("new watch not active")
	}
	if _, err := repo.Get(context.Background(), watch.ID); err != nil {
		t.Errorf("watch not persisted: %v", err)
	}
	if n := svc.ActiveSessionCount(); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
}

func TestOpenWatchMultiMode(t *testing.T) {
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		return &domain.LogChunk{
			Status:     domain.RunStatusRunning,
			MultiGroup: true,
			Groups: map[string]domain.GroupMeta{
				"grp-a": {Label: "Rack A", Status: domain.GroupStatusRunning},
				"grp-b": {Label: "Rack B", Status: domain.GroupStatusQueued},
			},
		}, nil
	}}
	repo := newMemRepo()
	svc := NewWatchService(repo, src, &memArchive{}, NewPoller(src, &captureSink{}), 10)

	watch, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer svc.CloseWatch(context.Background(), watch.ID)

	if watch.Mode != domain.WatchModeMulti {
		t.Errorf("mode = %s, want multi-group", watch.Mode)
	}
	if watch.GroupCount != 2 {
		t.Errorf("group count = %d, want 2", watch.GroupCount)
	}
}

func TestOpenWatchLimit(t *testing.T) {
	src := runningSource()
	svc := NewWatchService(newMemRepo(), src, &memArchive{}, NewPoller(src, &captureSink{}), 1)

	watch, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer svc.CloseWatch(context.Background(), watch.ID)

	if _, err := svc.OpenWatch(context.Background(), "job-2"); err != ErrWatchLimit {
		t.Errorf("second open err = %v, want ErrWatchLimit", err)
	}
}

// The cap counts in-flight opens too: an open whose overview fetch has
// not settled yet still holds a slot, so a concurrent open cannot slip
// past the limit.
func TestOpenWatchLimitUnderConcurrency(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	src := &fakeSource{fetchFn: func(jobID, groupID string, offset int64) (*domain.LogChunk, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &domain.LogChunk{Text: "ok: [h1]\n", Offset: 9, Status: domain.RunStatusRunning}, nil
	}}
	svc := NewWatchService(newMemRepo(), src, &memArchive{}, NewPoller(src, &captureSink{}), 1)

	type opened struct {
		watch *domain.Watch
		err   error
	}
	done := make(chan opened, 1)
	go func() {
		w, err := svc.OpenWatch(context.Background(), "job-1")
		done <- opened{w, err}
	}()
	<-started

	// First open is mid-fetch and holds the only slot.
	if _, err := svc.OpenWatch(context.Background(), "job-2"); err != ErrWatchLimit {
		t.Errorf("concurrent open err = %v, want ErrWatchLimit", err)
	}

	close(release)
	first := <-done
	if first.err != nil {
		t.Fatalf("first open: %v", first.err)
	}
	svc.CloseWatch(context.Background(), first.watch.ID)
}

// Reopening a job replaces the previous session instead of stacking a
// second poll loop on the same streams.
func TestOpenWatchSameJobSupersedes(t *testing.T) {
	src := runningSource()
	svc := NewWatchService(newMemRepo(), src, &memArchive{}, NewPoller(src, &captureSink{}), 10)

	first, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("first OpenWatch: %v", err)
	}
	second, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second OpenWatch: %v", err)
	}
	defer svc.CloseWatch(context.Background(), second.ID)

	if first.ID == second.ID {
		t.Fatal("expected a fresh watch ID")
	}
	if n := svc.ActiveSessionCount(); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
	if _, err := svc.GetLiveStatus(first.ID); err != ErrWatchNotFound {
		t.Errorf("first watch status err = %v, want ErrWatchNotFound", err)
	}
}

func TestCloseWatchUnknown(t *testing.T) {
	src := runningSource()
	svc := NewWatchService(newMemRepo(), src, &memArchive{}, NewPoller(src, &captureSink{}), 10)

	if err := svc.CloseWatch(context.Background(), "watch-missing"); err != ErrWatchNotFound {
		t.Errorf("err = %v, want ErrWatchNotFound", err)
	}
}

func TestHandleTerminalArchivesFailure(t *testing.T) {
	src := runningSource()
	repo := newMemRepo()
	archive := &memArchive{}
	poller := NewPoller(src, &captureSink{})
	svc := NewWatchService(repo, src, archive, poller, 10)

	watch := &domain.Watch{ID: "watch-1", JobID: "job-1", Active: true}
	if err := repo.Create(context.Background(), watch); err != nil {
		t.Fatal(err)
	}
	session := poller.NewSession("watch-1", "job-1", domain.WatchModeSingle, nil)

	ev := domain.RunEvent{
		WatchID:     "watch-1",
		JobID:       "job-1",
		Status:      domain.RunStatusFailed,
		TotalFailed: 2,
		FailedHosts: []string{"h1", "h2"},
		At:          time.Now(),
	}
	svc.handleTerminal(context.Background(), session, ev)

	got, err := repo.Get(context.Background(), "watch-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("terminal watch still active")
	}
	if got.Status != domain.RunStatusFailed || got.TotalFailed != 2 {
		t.Errorf("persisted outcome = %s/%d, want failed/2", got.Status, got.TotalFailed)
	}
	if len(archive.recs) != 1 || archive.recs[0].WatchID != "watch-1" {
		t.Errorf("archive records = %+v, want one for watch-1", archive.recs)
	}
}

func TestStopRunDoesNotMutateSession(t *testing.T) {
	src := runningSource()
	svc := NewWatchService(newMemRepo(), src, &memArchive{}, NewPoller(src, &captureSink{}), 10)

	watch, err := svc.OpenWatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer svc.CloseWatch(context.Background(), watch.ID)

	if err := svc.StopRun(context.Background(), watch.ID, "grp-a"); err != nil {
		t.Fatalf("StopRun: %v", err)
	}

	src.mu.Lock()
	stops := append([]string(nil), src.stops...)
	src.mu.Unlock()
	if len(stops) != 1 || stops[0] != "job-1/grp-a" {
		t.Errorf("stops = %v, want [job-1/grp-a]", stops)
	}

	// The session keeps reporting upstream status until the next poll
	// says otherwise.
	status, err := svc.GetLiveStatus(watch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status.Terminal() {
		t.Errorf("status = %s, stop must not settle the run locally", status.Status)
	}
}
