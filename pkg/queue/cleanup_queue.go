// Package queue holds the Redis-stream backed queue of orphaned blob
// cleanups. Blobs land here when a compensating delete fails inline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"storyarchive/internal/util"
)

const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// CleanupJob deletes one blob.
type CleanupJob struct {
	ID        string    `json:"id"`
	BlobKey   string    `json:"blobKey"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Handler performs a job. A nil return acknowledges it.
type Handler func(context.Context, CleanupJob) error

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	BatchSize  int64
}

type CleanupQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	retryDelay time.Duration
	maxLen     int64
	batch      int64
	groupOnce  sync.Once
	groupErr   error
}

func NewCleanupQueue(cfg Config) (*CleanupQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("queue: redis addr required")
	}
	return newCleanupQueue(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

func newCleanupQueue(client *redis.Client, cfg Config) (*CleanupQueue, error) {
	q := &CleanupQueue{
		client:     client,
		stream:     strings.TrimSpace(cfg.Stream),
		group:      strings.TrimSpace(cfg.Group),
		consumer:   strings.TrimSpace(cfg.Consumer),
		jobTTL:     cfg.JobTTL,
		maxRetries: cfg.MaxRetries,
		block:      cfg.Block,
		claimIdle:  cfg.ClaimIdle,
		retryDelay: cfg.RetryDelay,
		maxLen:     cfg.MaxLen,
		batch:      cfg.BatchSize,
	}
	if q.stream == "" {
		q.stream = "archive:blob-cleanup"
	}
	if q.group == "" {
		q.group = "janitors"
	}
	if q.consumer == "" {
		q.consumer = util.NewID()
	}
	if q.jobTTL <= 0 {
		q.jobTTL = 7 * 24 * time.Hour
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = time.Minute
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 5 * time.Second
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.batch <= 0 {
		q.batch = 10
	}
	return q, nil
}

// Ping checks the Redis connection.
func (q *CleanupQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *CleanupQueue) Close() error {
	return q.client.Close()
}

// Enqueue schedules deletion of blobKey.
func (q *CleanupQueue) Enqueue(ctx context.Context, blobKey, reason string) (CleanupJob, error) {
	blobKey = strings.TrimSpace(blobKey)
	if blobKey == "" {
		return CleanupJob{}, errors.New("queue: blob key required")
	}
	now := time.Now().UTC()
	job := CleanupJob{
		ID:        util.NewID(),
		BlobKey:   blobKey,
		Reason:    reason,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.save(ctx, job); err != nil {
		return CleanupJob{}, fmt.Errorf("queue: save job: %w", err)
	}
	if err := q.client.XAdd(ctx, q.addArgs(job)).Err(); err != nil {
		return CleanupJob{}, fmt.Errorf("queue: add job: %w", err)
	}
	return job, nil
}

// Job returns the last recorded status of a job.
func (q *CleanupQueue) Job(ctx context.Context, id string) (CleanupJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CleanupJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return CleanupJob{}, false, err
	}
	if len(data) == 0 {
		return CleanupJob{}, false, nil
	}
	return decodeJob(id, data), true, nil
}

// Run consumes jobs with the given number of workers until ctx is done.
func (q *CleanupQueue) Run(ctx context.Context, workers int, handle Handler) error {
	if workers <= 0 {
		workers = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			q.consume(ctx, consumer, handle)
		}(fmt.Sprintf("%s-%d", q.consumer, i))
	}
	wg.Wait()
	return nil
}

func (q *CleanupQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("queue: create group: %w", err)
		}
	})
	return q.groupErr
}

func (q *CleanupQueue) consume(ctx context.Context, consumer string, handle Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimStale(ctx, consumer); err != nil {
			slog.Warn("cleanup queue claim failed", "consumer", consumer, "err", err)
		} else {
			for _, msg := range msgs {
				q.process(ctx, msg, handle)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.batch,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("cleanup queue read failed", "consumer", consumer, "err", err)
				sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, msg, handle)
			}
		}
	}
}

func (q *CleanupQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.batch,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *CleanupQueue) process(ctx context.Context, msg redis.XMessage, handle Handler) {
	id, _ := msg.Values["job_id"].(string)
	key, _ := msg.Values["blob_key"].(string)
	if id == "" || key == "" {
		q.ack(ctx, msg.ID)
		return
	}
	job, err := q.transition(ctx, id, func(j *CleanupJob) {
		j.BlobKey = key
		j.Attempts++
		j.Status = StatusRunning
	})
	if err != nil {
		// leave it pending; another consumer will claim it
		slog.Warn("cleanup job status update failed", "job_id", id, "err", err)
		return
	}

	herr := handle(ctx, job)
	switch {
	case herr == nil:
		_, _ = q.transition(ctx, id, func(j *CleanupJob) { j.Status, j.LastError = StatusDone, "" })
		q.ack(ctx, msg.ID)
	case job.Attempts >= q.maxRetries:
		slog.Error("cleanup job gave up", "job_id", id, "blob_key", key, "attempts", job.Attempts, "err", herr)
		_, _ = q.transition(ctx, id, func(j *CleanupJob) { j.Status, j.LastError = StatusFailed, herr.Error() })
		q.ack(ctx, msg.ID)
	default:
		_, _ = q.transition(ctx, id, func(j *CleanupJob) { j.Status, j.LastError = StatusQueued, herr.Error() })
		sleep(ctx, q.retryDelay)
		if err := q.requeue(ctx, msg.ID, job); err != nil {
			slog.Warn("cleanup job requeue failed", "job_id", id, "err", err)
		}
	}
}

func (q *CleanupQueue) ack(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

// requeue appends the job again and acknowledges the old entry atomically.
func (q *CleanupQueue) requeue(ctx context.Context, msgID string, job CleanupJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(job))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *CleanupQueue) addArgs(job CleanupJob) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": job.ID, "blob_key": job.BlobKey},
	}
}

func (q *CleanupQueue) transition(ctx context.Context, id string, apply func(*CleanupJob)) (CleanupJob, error) {
	job, found, err := q.Job(ctx, id)
	if err != nil {
		return CleanupJob{}, err
	}
	if !found {
		job = CleanupJob{ID: id, CreatedAt: time.Now().UTC()}
	}
	apply(&job)
	job.UpdatedAt = time.Now().UTC()
	return job, q.save(ctx, job)
}

func (q *CleanupQueue) save(ctx context.Context, job CleanupJob) error {
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"blobKey":   job.BlobKey,
		"reason":    job.Reason,
		"status":    job.Status,
		"error":     job.LastError,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *CleanupQueue) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", q.stream, id)
}

func decodeJob(id string, data map[string]string) CleanupJob {
	job := CleanupJob{
		ID:        id,
		BlobKey:   data["blobKey"],
		Reason:    data["reason"],
		Status:    data["status"],
		LastError: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
