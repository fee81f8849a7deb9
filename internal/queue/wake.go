// Package queue carries best-effort wake hints over Redis so the worker can
// react to fresh jobs faster than its poll interval. The Postgres jobs table
// remains the source of truth; losing a hint only costs latency.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const wakeKey = "outreach:wake"

// WakeHints signals between producers and the worker over a Redis list.
type WakeHints struct {
	client *redis.Client
}

// New builds a hint channel on the given Redis connection.
func New(client *redis.Client) *WakeHints {
	return &WakeHints{client: client}
}

// Notify pushes a wake hint after an enqueue. Errors are returned for
// logging but callers must treat them as non-fatal.
func (w *WakeHints) Notify(ctx context.Context, jobID string) error {
	return w.client.RPush(ctx, wakeKey, jobID).Err()
}

// Wait blocks up to timeout for a hint, returning false on a quiet period.
func (w *WakeHints) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	res, err := w.client.BLPop(ctx, timeout, wakeKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(res) > 1, nil
}

// Drain discards queued hints, called after a claim pass so a burst of
// enqueues does not cause redundant wake-ups.
func (w *WakeHints) Drain(ctx context.Context) error {
	return w.client.Del(ctx, wakeKey).Err()
}
