package receipts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxAttempts bounds how many times a failing job runs before the
// worker drops it.
const DefaultMaxAttempts = 5

// Worker drains a Queue and issues receipts. A job whose issue or send
// fails goes back on the queue until it has run maxAttempts times.
type Worker struct {
	queue       Queue
	service     *Service
	logger      *slog.Logger
	maxAttempts int
	pollTimeout time.Duration
	errBackoff  time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
}

// NewWorker creates a worker.
func NewWorker(queue Queue, service *Service, logger *slog.Logger) *Worker {
	return &Worker{
		queue:       queue,
		service:     service,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		pollTimeout: 2 * time.Second,
		errBackoff:  time.Second,
		stop:        make(chan struct{}),
	}
}

// Start processes jobs until ctx ends or Stop is called. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		switch {
		case errors.Is(err, ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			w.logger.Warn("receipt dequeue failed", "error", err)
			w.sleep(ctx, w.errBackoff)
			continue
		}
		w.process(ctx, job)
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Stop signals the worker to stop. The job in flight, if any, finishes;
// a blocked Dequeue returns within the poll timeout.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func (w *Worker) WithMaxAttempts(n int) *Worker {
	if n > 0 {
		w.maxAttempts = n
	}
	return w
}

func (w *Worker) process(ctx context.Context, job *Job) {
	r, err := w.service.Issue(ctx, job)
	if err == nil {
		jobResults.WithLabelValues("done").Inc()
		w.logger.Debug("receipt job done", "job_id", job.ID, "receipt_id", r.ID,
			"queue_latency", time.Since(job.EnqueuedAt))
		return
	}

	log := w.logger.With("job_id", job.ID, "transaction_id", job.TransactionID, "attempt", job.Attempt+1)
	if errors.Is(err, ErrInvalidJob) || job.Attempt+1 >= w.maxAttempts {
		jobResults.WithLabelValues("dropped").Inc()
		log.Error("receipt job dropped", "error", err)
		return
	}

	w.sleep(ctx, w.errBackoff)
	retry := *job
	retry.Attempt++
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		jobResults.WithLabelValues("dropped").Inc()
		log.Error("receipt job dropped, requeue failed", "error", err, "requeue_error", qerr)
		return
	}
	jobResults.WithLabelValues("retried").Inc()
	log.Warn("receipt job failed, requeued", "error", err)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-t.C:
	}
}
