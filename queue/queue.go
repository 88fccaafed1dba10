// Package queue is a bounded job queue drained by a fixed worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callsync/internal/logger"
)

var (
	// ErrFull is returned when every buffer slot is taken.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned before Start and after Stop.
	ErrClosed = errors.New("queue not accepting jobs")
)

// Job is one unit of work handed to a worker.
type Job struct {
	ID   string
	Name string
	// Timeout overrides the queue default when positive.
	Timeout  time.Duration
	Work     func(context.Context) error
	OnFinish func(error)
}

type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"worker_count"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

type state int

const (
	idle state = iota
	running
	stopped
)

// Queue buffers jobs in a channel and runs them on workerCount goroutines.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration

	mu    sync.RWMutex
	state state
	wg    sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	log       *logger.Logger
}

// New builds an idle queue. timeout applies to jobs that carry none.
func New(capacity, workerCount int, timeout time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		log:         log.Named("queue"),
	}
}

// Start launches the workers. Later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != idle {
		return
	}
	q.state = running
	q.wg.Add(q.workerCount)
	for i := 0; i < q.workerCount; i++ {
		go q.worker(ctx)
	}
}

// Enqueue hands j to the pool without blocking.
func (q *Queue) Enqueue(j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != running {
		return ErrClosed
	}
	select {
	case q.jobs <- j:
		return nil
	default:
		q.log.Warn("queue full, job rejected", logger.String("job", j.Name), logger.String("id", j.ID))
		return ErrFull
	}
}

// Stop closes the queue to new work and waits for the workers, or for ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.state != running {
		q.state = stopped
		q.mu.Unlock()
		return
	}
	q.state = stopped
	close(q.jobs)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		q.log.Warn("stop timed out with jobs still running")
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

// Healthy reports whether the queue is accepting jobs.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state == running
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.execute(ctx, j)
		}
	}
}

func (q *Queue) execute(ctx context.Context, j Job) {
	timeout := q.timeout
	if j.Timeout > 0 {
		timeout = j.Timeout
	}
	began := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	err := safeRun(jobCtx, j)
	cancel()

	q.processed.Add(1)
	log := q.log.With(
		logger.String("job", j.Name),
		logger.String("id", j.ID),
		logger.Duration("took", time.Since(began)))
	if err != nil {
		q.failed.Add(1)
		log.Warn("job failed", logger.Error(err))
	} else {
		log.Debug("job done")
	}
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
}

func safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", j.Name, r)
		}
	}()
	return j.Work(ctx)
}
