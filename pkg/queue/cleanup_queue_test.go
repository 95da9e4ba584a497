package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) (*CleanupQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewCleanupQueue(Config{
		Addr:       srv.Addr(),
		Stream:     "test:cleanup",
		Group:      "test-group",
		Consumer:   "janitor",
		MaxRetries: maxRetries,
		Block:      10 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func waitStatus(t *testing.T, q *CleanupQueue, id, want string) CleanupJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		if ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return CleanupJob{}
}

func TestEnqueueRequiresKey(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	if _, err := q.Enqueue(context.Background(), "  ", "x"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestRunDeletesQueuedBlob(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "photos/u1/p.png", "story write failed")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var mu sync.Mutex
	var handled []string
	go func() {
		_ = q.Run(ctx, 1, func(_ context.Context, j CleanupJob) error {
			mu.Lock()
			handled = append(handled, j.BlobKey)
			mu.Unlock()
			return nil
		})
	}()

	done := waitStatus(t, q, job.ID, StatusDone)
	if done.Attempts != 1 || done.Reason != "story write failed" {
		t.Fatalf("unexpected job: %+v", done)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "photos/u1/p.png" {
		t.Fatalf("handled = %v", handled)
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "audio/u1/clip.wav", "discard")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	go func() {
		_ = q.Run(ctx, 1, func(context.Context, CleanupJob) error {
			return errors.New("bucket offline")
		})
	}()

	failed := waitStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.LastError != "bucket offline" {
		t.Fatalf("unexpected job: %+v", failed)
	}
}

func TestRequeueFailureKeepsPendingMessage(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("group: %v", err)
	}
	job, err := q.Enqueue(ctx, "photos/u1/p.png", "x")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "c1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %v %+v", err, streams)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeue(canceled, streams[0].Messages[0].ID, job); err == nil {
		t.Fatalf("expected requeue to fail on canceled context")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected message to stay pending, got %d", pending.Count)
	}
}
