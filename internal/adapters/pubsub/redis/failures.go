package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"eca.monitor/internal/core/domain"
)

const (
	failureKey        = "ecamon:failures"
	failureMetaPrefix = "ecamon:failures:meta:"
)

// FailureArchive keeps failed runs in a sorted set scored by failure time,
// with the full record stored under a per-watch metadata key.
type FailureArchive struct {
	client *redis.Client
}

func NewFailureArchive(client *redis.Client) *FailureArchive {
	return &FailureArchive{client: client}
}

func (a *FailureArchive) Add(ctx context.Context, rec *domain.FailureRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	score := float64(rec.FailedAt.Unix())
	if err := a.client.ZAdd(ctx, failureKey, redis.Z{
		Score:  score,
		Member: rec.WatchID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to failure archive: %w", err)
	}

	metaKey := failureMetaPrefix + rec.WatchID
	if err := a.client.Set(ctx, metaKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store failure record: %w", err)
	}

	return nil
}

func (a *FailureArchive) get(ctx context.Context, watchID string) (*domain.FailureRecord, error) {
	metaKey := failureMetaPrefix + watchID
	data, err := a.client.Get(ctx, metaKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("watch not found in failure archive")
		}
		return nil, fmt.Errorf("failed to get failure record: %w", err)
	}

	var rec domain.FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}

	return &rec, nil
}

// List returns archived failures newest first.
func (a *FailureArchive) List(ctx context.Context, offset, limit int64) ([]*domain.FailureRecord, error) {
	watchIDs, err := a.client.ZRevRange(ctx, failureKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failure archive: %w", err)
	}

	records := make([]*domain.FailureRecord, 0, len(watchIDs))
	for _, id := range watchIDs {
		rec, err := a.get(ctx, id)
		if err != nil {
			// Skip if metadata expired or missing
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func (a *FailureArchive) Count(ctx context.Context) (int64, error) {
	count, err := a.client.ZCard(ctx, failureKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count failure archive: %w", err)
	}
	return count, nil
}

func (a *FailureArchive) Remove(ctx context.Context, watchID string) error {
	if err := a.client.ZRem(ctx, failureKey, watchID).Err(); err != nil {
		return fmt.Errorf("failed to remove from failure archive: %w", err)
	}

	metaKey := failureMetaPrefix + watchID
	if err := a.client.Del(ctx, metaKey).Err(); err != nil {
		return fmt.Errorf("failed to remove failure record: %w", err)
	}

	return nil
}
