package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/ports"
)

const (
	ProgressChannel = "watch:progress"
	RunChannel      = "watch:runs" // terminal run events only
)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(url string) (ports.ProgressSink, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &RedisAdapter{client: client}, client, nil
}

func (r *RedisAdapter) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, ProgressChannel, data).Err()
}

func (r *RedisAdapter) PublishRunEvent(ctx context.Context, ev domain.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, RunChannel, data).Err()
}

// SubscribeProgress streams progress events for one watch, or for all
// watches when watchID is empty. All sessions share one channel; filtering
// happens here rather than with per-watch channels so late subscribers
// need no key discovery.
func (r *RedisAdapter) SubscribeProgress(ctx context.Context, watchID string) (<-chan domain.ProgressEvent, error) {
	pubsub := r.client.Subscribe(ctx, ProgressChannel)
	ch := make(chan domain.ProgressEvent)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if watchID != "" && ev.WatchID != watchID {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *RedisAdapter) SubscribeRunEvents(ctx context.Context) (<-chan domain.RunEvent, error) {
	pubsub := r.client.Subscribe(ctx, RunChannel)
	ch := make(chan domain.RunEvent)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev domain.RunEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
