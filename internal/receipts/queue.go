package receipts

import (
	"context"
	"errors"
	"time"
)

// ErrQueueEmpty is returned by Dequeue when no job arrived before the
// timeout.
var ErrQueueEmpty = errors.New("receipts: queue empty")

// Queue carries receipt jobs from the pipeline to the worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks up to timeout for the next job.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
}

// MemoryQueue is a bounded in-process queue for development and tests.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue creates a queue holding at most size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("receipts: queue full")

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-q.jobs:
		return &job, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

var _ Queue = (*MemoryQueue)(nil)
