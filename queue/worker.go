package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

// JobTimeout is the hard wall clock applied to every job handler.
const JobTimeout = 1200 * time.Second

// maxConcurrentJobs bounds how many jobs one worker runs at a time, so
// parallel groups can make progress past a slow job.
const maxConcurrentJobs = 10

// HandlerFunc executes one job.
type HandlerFunc func(ctx context.Context, args map[string]string) error

// Worker consumes jobs from the broker and dispatches them to registered
// handlers. Handler errors mark the job failed; they do not stop the worker.
type Worker struct {
	services.Service

	broker   Broker
	handlers map[string]HandlerFunc
	timeout  time.Duration
	logger   log.Logger
}

// NewWorker builds a worker service around the broker. Handlers must be
// registered before the service starts.
func NewWorker(broker Broker, logger log.Logger) *Worker {
	w := &Worker{
		broker:   broker,
		handlers: map[string]HandlerFunc{},
		timeout:  JobTimeout,
		logger:   log.With(logger, "component", "worker"),
	}
	w.Service = services.NewBasicService(nil, w.running, nil)
	return w
}

// Register binds a handler to a job name.
func (w *Worker) Register(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

func (w *Worker) running(ctx context.Context) error {
	level.Info(w.logger).Log("msg", "worker running")
	sem := make(chan struct{}, maxConcurrentJobs)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		job, err := w.broker.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Error(w.logger).Log("msg", "dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Name]
	if !ok {
		level.Error(w.logger).Log("msg", "no handler for job", "job", job.Name, "id", job.ID)
		w.setStatus(ctx, job, StatusFailed)
		metricJobsProcessed.WithLabelValues(job.Name, string(StatusFailed)).Inc()
		return
	}
	w.setStatus(ctx, job, StatusInProgress)

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := time.Now()
	err := handler(jobCtx, job.Args)
	cancel()

	status := StatusComplete
	if err != nil {
		status = StatusFailed
		level.Error(w.logger).Log("msg", "job failed", "job", job.Name, "id", job.ID, "duration", time.Since(start), "err", err)
	} else {
		level.Info(w.logger).Log("msg", "job complete", "job", job.Name, "id", job.ID, "duration", time.Since(start))
	}
	w.setStatus(ctx, job, status)
	metricJobsProcessed.WithLabelValues(job.Name, string(status)).Inc()
}

// setStatus writes the status outside the job's own (possibly expired)
// context so terminal states are not lost on timeout.
func (w *Worker) setStatus(ctx context.Context, job *Job, status Status) {
	if err := w.broker.SetStatus(ctx, job.ID, status); err != nil && !errors.Is(err, context.Canceled) {
		level.Error(w.logger).Log("msg", "set job status failed", "id", job.ID, "status", status, "err", err)
	}
}
