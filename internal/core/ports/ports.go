package ports

import (
	"context"

	"eca.monitor/internal/core/domain"
)

// LogSource fetches incremental log text from the upstream control server.
// A zero offset returns the full log (possibly clamped to its tail by the
// upstream). Implementations are never called twice concurrently for the
// same (jobID, groupID) stream key; the poller guarantees that.
type LogSource interface {
	Fetch(ctx context.Context, jobID, groupID string, offset int64) (*domain.LogChunk, error)
	Overview(ctx context.Context, jobID string) (*domain.LogChunk, error)
	Stop(ctx context.Context, jobID, groupID string) error
}

type WatchRepository interface {
	Create(ctx context.Context, w *domain.Watch) error
	Update(ctx context.Context, w *domain.Watch) error
	Get(ctx context.Context, id string) (*domain.Watch, error)
	List(ctx context.Context, offset, limit int) ([]*domain.Watch, error)
	Count(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// FailureArchive keeps a browsable record of runs that ended failed.
type FailureArchive interface {
	Add(ctx context.Context, rec *domain.FailureRecord) error
	List(ctx context.Context, offset, limit int64) ([]*domain.FailureRecord, error)
	Count(ctx context.Context) (int64, error)
	Remove(ctx context.Context, watchID string) error
}

// ProgressSink is the presenter boundary: the engine pushes structured
// progress out through it and never learns how it is rendered.
type ProgressSink interface {
	PublishProgress(ctx context.Context, ev domain.ProgressEvent) error
	PublishRunEvent(ctx context.Context, ev domain.RunEvent) error
	SubscribeProgress(ctx context.Context, watchID string) (<-chan domain.ProgressEvent, error)
	SubscribeRunEvents(ctx context.Context) (<-chan domain.RunEvent, error)
}
