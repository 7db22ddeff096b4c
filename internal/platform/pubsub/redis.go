// Package pubsub mirrors job log lines to Redis so they can be followed from other hosts.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/sink"
)

const (
	// DefaultChannel is the pub/sub channel log lines are published on.
	DefaultChannel = "rp2g:logs"
	// DefaultStream keeps a bounded history of recent log lines.
	DefaultStream = "rp2g:logs:history"

	historyLen     = 10000
	publishTimeout = 2 * time.Second
)

// RedisBroadcaster implements domain.LogBroadcaster using Redis Pub/Sub, with a capped
// stream holding recent lines for late subscribers.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	stream  string

	// failing suppresses repeated error logs while Redis is unreachable.
	failing atomic.Bool
}

// Ensure RedisBroadcaster satisfies the interface
var _ domain.LogBroadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster connects to Redis at addr and verifies the connection.
func NewRedisBroadcaster(ctx context.Context, addr string) (*RedisBroadcaster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroadcaster{
		client:  rdb,
		channel: DefaultChannel,
		stream:  DefaultStream,
	}, nil
}

// Close releases the connection pool.
func (r *RedisBroadcaster) Close() error {
	return r.client.Close()
}

// Broadcast publishes the line on the log channel and appends it to the history stream.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, event domain.LogEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, data)
		// XADD with an approximate cap keeps the history bounded.
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: historyLen,
			Approx: true,
			Values: map[string]interface{}{
				"event": data,
			},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Sink returns a sink broadcasting every line of the given job.
// Failures are logged and otherwise ignored; a job never fails because Redis is down.
func (r *RedisBroadcaster) Sink(jobID string) domain.Sink {
	return sink.Func(func(line string) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.Broadcast(ctx, domain.LogEvent{JobID: jobID, Line: line}); err != nil {
			if !r.failing.Swap(true) {
				slog.Warn("Log broadcast failed", "jobID", jobID, "error", err)
			}
			return
		}
		if r.failing.Swap(false) {
			slog.Info("Log broadcast recovered")
		}
	})
}

// Recent returns up to n of the most recent log lines, oldest first.
func (r *RedisBroadcaster) Recent(ctx context.Context, n int64) ([]domain.LogEvent, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("reading log history: %w", err)
	}
	events := make([]domain.LogEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		val, ok := msgs[i].Values["event"].(string)
		if !ok {
			slog.Error("Invalid message format", "msgID", msgs[i].ID)
			continue
		}
		var event domain.LogEvent
		if err := json.Unmarshal([]byte(val), &event); err != nil {
			slog.Error("Failed to unmarshal log", "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// SubscribeLogs subscribes to the log channel and streams lines to a Go channel.
// The channel is closed when ctx ends.
func (r *RedisBroadcaster) SubscribeLogs(ctx context.Context) (<-chan domain.LogEvent, error) {
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to logs: %w", err)
	}

	outCh := make(chan domain.LogEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event domain.LogEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Error("Failed to unmarshal log", "error", err)
					continue
				}

				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
