// Package work runs fire-and-forget background jobs on a bounded queue
// with a single consumer.
package work

import (
	"context"
	"errors"
	"sync"

	"finova.org/internal/obs"
)

var ErrQueueFull = errors.New("work queue is full")

// Job is one unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue serializes background jobs. Jobs that panic are recovered and
// logged; they never take the consumer down.
type Queue struct {
	jobs chan Job
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the consumer goroutine. Capacity bounds how many jobs
// may wait; Enqueue fails fast beyond that.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{
		jobs: make(chan Job, capacity),
		stop: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.consume()
	return q
}

// Enqueue schedules a job. It never blocks.
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return errors.New("job has no work")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("work queue is closed")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains pending jobs and stops the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) consume() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.runOne(job)
	}
}

func (q *Queue) runOne(job Job) {
	log := obs.Logger().WithField("job", job.Name)
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("background job panicked")
		}
	}()
	if err := job.Run(context.Background()); err != nil {
		log.WithError(err).Warn("background job failed")
		return
	}
	log.Debug("background job done")
}
