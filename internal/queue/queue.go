// Package queue implements the durable poll queue on Redis: a list carrying
// "poll job X" tasks with blocking pop, plus TTL'd per-job task-status keys
// used only for queue observability.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"effectsvc/internal/domain"
)

const (
	pollListKey   = "effects:poll"
	taskKeyPrefix = "effects:task:"

	// taskStatusTTL bounds how long a stale task-status record can linger.
	taskStatusTTL = 24 * time.Hour
)

// PollTask is the message carried on the queue. It holds only a job reference;
// the worker re-derives everything else from the job store, so duplicated or
// stale tasks cannot corrupt state.
type PollTask struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// TaskRecord is the observability side-record kept per job.
type TaskRecord struct {
	Status    domain.TaskStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// PollQueue is the Redis-backed work queue. The caller owns the client
// lifecycle.
type PollQueue struct {
	client redis.Cmdable
}

// New creates a poll queue over the given Redis client.
func New(client redis.Cmdable) *PollQueue {
	return &PollQueue{client: client}
}

// Ping verifies the Redis connection is alive.
func (q *PollQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// EnqueuePoll pushes a poll task for the job and refreshes its task-status
// record. Enqueuing the same job repeatedly is safe and expected; the worker
// re-enqueues on every non-terminal poll.
func (q *PollQueue) EnqueuePoll(ctx context.Context, jobID string) error {
	task, err := json.Marshal(PollTask{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	record, err := json.Marshal(TaskRecord{Status: domain.TaskStatusPending, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: encode task status: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, pollListKey, task)
	pipe.Set(ctx, taskKey(jobID), record, taskStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue poll: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next poll task. The false return on
// timeout lets the worker loop check cancellation instead of blocking forever.
func (q *PollQueue) Dequeue(ctx context.Context, timeout time.Duration) (PollTask, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, pollListKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PollTask{}, false, nil
		}
		return PollTask{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return PollTask{}, false, nil
	}
	var task PollTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil || task.JobID == "" {
		// Tolerate bare job ids pushed by older enqueuers.
		task = PollTask{JobID: res[1]}
	}
	return task, true, nil
}

// UpdateTaskStatus records the per-job task state. Observability only; never
// read by business logic.
func (q *PollQueue) UpdateTaskStatus(ctx context.Context, jobID string, status domain.TaskStatus, errText string) error {
	record, err := json.Marshal(TaskRecord{Status: status, Error: errText, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: encode task status: %w", err)
	}
	if err := q.client.Set(ctx, taskKey(jobID), record, taskStatusTTL).Err(); err != nil {
		return fmt.Errorf("queue: update task status: %w", err)
	}
	return nil
}

// GetTaskStatus reads the per-job task record, or domain.ErrNotFound once the
// TTL expired it.
func (q *PollQueue) GetTaskStatus(ctx context.Context, jobID string) (*TaskRecord, error) {
	raw, err := q.client.Get(ctx, taskKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("queue: get task status: %w", err)
	}
	var record TaskRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("queue: decode task status: %w", err)
	}
	return &record, nil
}

func taskKey(jobID string) string {
	return taskKeyPrefix + jobID
}
