package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// defaultPollInterval is how often a running group polls its current job.
const defaultPollInterval = time.Second

// GroupRunner executes named groups of jobs: strictly serial within a group,
// parallel and independent across groups. Each task is submitted to the
// broker, then polled until terminal before the next one is dequeued.
type GroupRunner struct {
	broker Broker
	logger log.Logger
	poll   time.Duration

	mu      sync.Mutex
	pending map[string][]*Job
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewGroupRunner returns a runner polling at the default 1s interval.
func NewGroupRunner(broker Broker, logger log.Logger) *GroupRunner {
	return &GroupRunner{
		broker:  broker,
		logger:  log.With(logger, "component", "group-runner"),
		poll:    defaultPollInterval,
		pending: map[string][]*Job{},
		running: map[string]struct{}{},
	}
}

// EnqueueToGroup appends a job to the group's local task list. Nothing is
// submitted to the broker until the group starts.
func (r *GroupRunner) EnqueueToGroup(group, name string, args map[string]string) *Job {
	job := NewJob(name, args)
	r.mu.Lock()
	r.pending[group] = append(r.pending[group], job)
	r.mu.Unlock()
	level.Debug(r.logger).Log("msg", "job added to group", "group", group, "job", name, "id", job.ID)
	return job
}

// StartGroup begins draining the group's task list. It is idempotent: a
// second call while the group is running is a no-op.
func (r *GroupRunner) StartGroup(ctx context.Context, group string) {
	r.mu.Lock()
	if _, ok := r.running[group]; ok {
		r.mu.Unlock()
		level.Debug(r.logger).Log("msg", "group already running", "group", group)
		return
	}
	r.running[group] = struct{}{}
	r.mu.Unlock()

	metricGroupsRunning.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer metricGroupsRunning.Dec()
		defer func() {
			r.mu.Lock()
			delete(r.running, group)
			r.mu.Unlock()
		}()
		if err := r.runGroup(ctx, group); err != nil {
			level.Error(r.logger).Log("msg", "group aborted", "group", group, "err", err)
		}
	}()
}

// Wait blocks until every started group has drained. Used on shutdown and in
// tests.
func (r *GroupRunner) Wait() {
	r.wg.Wait()
}

func (r *GroupRunner) runGroup(ctx context.Context, group string) error {
	for {
		r.mu.Lock()
		tasks := r.pending[group]
		if len(tasks) == 0 {
			r.mu.Unlock()
			return nil
		}
		job := tasks[0]
		r.pending[group] = tasks[1:]
		r.mu.Unlock()

		if err := r.broker.Enqueue(ctx, job); err != nil {
			return errors.Wrapf(err, "enqueue %s", job.Name)
		}
		level.Info(r.logger).Log("msg", "job submitted", "group", group, "job", job.Name, "id", job.ID)
		if err := r.awaitJob(ctx, job); err != nil {
			return errors.Wrapf(err, "await %s", job.Name)
		}
	}
}

// awaitJob polls the job's status until complete. Failed or unknown statuses
// abort the group.
func (r *GroupRunner) awaitJob(ctx context.Context, job *Job) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		status, err := r.broker.Status(ctx, job.ID)
		if err != nil {
			return err
		}
		switch status {
		case StatusComplete:
			level.Info(r.logger).Log("msg", "job completed", "job", job.Name, "id", job.ID)
			return nil
		case StatusQueued, StatusDeferred, StatusInProgress:
		default:
			return errors.Wrapf(ErrUnexpectedJobStatus, "job %s reported %q", job.ID, status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
