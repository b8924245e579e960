package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status is the broker-reported lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDeferred   Status = "deferred"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// ErrUnexpectedJobStatus is returned when the broker reports a status other
// than complete or one of the transient queued, deferred and in_progress
// states, failed included; the owning group aborts.
var ErrUnexpectedJobStatus = errors.New("unexpected job status")

// Job is one unit of work carried through the broker.
type Job struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// NewJob assigns a fresh ID to a named job.
func NewJob(name string, args map[string]string) *Job {
	return &Job{ID: uuid.NewString(), Name: name, Args: args}
}

// Broker is the durable FIFO work queue plus per-job status tracking.
type Broker interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to timeout; a nil job means nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	SetStatus(ctx context.Context, jobID string, status Status) error
	Status(ctx context.Context, jobID string) (Status, error)
}

const (
	queueKey        = "netguard:jobs"
	statusKeyPrefix = "netguard:job:"
	statusTTL       = 24 * time.Hour
)

// RedisBroker implements Broker on a Redis list and per-job status keys.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker wraps the Redis client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func statusKey(jobID string) string {
	return statusKeyPrefix + jobID
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	if err := b.client.Set(ctx, statusKey(job.ID), string(StatusQueued), statusTTL).Err(); err != nil {
		return errors.Wrap(err, "set job status")
	}
	if err := b.client.RPush(ctx, queueKey, payload).Err(); err != nil {
		return errors.Wrap(err, "push job")
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := b.client.BLPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pop job")
	}
	if len(res) != 2 {
		return nil, errors.Errorf("malformed blpop reply of %d elements", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}

func (b *RedisBroker) SetStatus(ctx context.Context, jobID string, status Status) error {
	return b.client.Set(ctx, statusKey(jobID), string(status), statusTTL).Err()
}

// Status reports the job's state. A missing key is reported as deferred:
// the job either has not been registered yet or its record expired.
func (b *RedisBroker) Status(ctx context.Context, jobID string) (Status, error) {
	res, err := b.client.Get(ctx, statusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusDeferred, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get job status")
	}
	return Status(res), nil
}
