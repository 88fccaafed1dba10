// Package jobs runs named, mutually exclusive jobs on top of the worker
// queue. Each name has at most one running instance and at most one
// waiting request; failures are retried with exponential backoff and
// periodic triggers come from cron schedules.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/store"
	"callsync/queue"
)

// Status values for job runs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Policy decides what an enqueue does when a request is already waiting.
type Policy int

const (
	// PolicyKeep leaves the waiting request untouched.
	PolicyKeep Policy = iota
	// PolicyReplace swaps the waiting request's params for the new ones and
	// drops any pending backoff delay.
	PolicyReplace
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("runner stopped")
)

// Params are the arguments of one run.
type Params map[string]any

// Bool reads a boolean param, accepting "true" strings from query parameters.
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// Func is a job implementation.
type Func func(ctx context.Context, params Params) error

// Definition is a registered job.
type Definition struct {
	Run Func
	// Timeout bounds one run; it doubles as the lease ceiling.
	Timeout time.Duration
}

// Registry maps job names to implementations.
type Registry map[string]Definition

// RunStore persists job runs.
type RunStore interface {
	RecordJobRun(ctx context.Context, r store.JobRun) error
	UpdateJobRunParams(ctx context.Context, id, paramsJSON string) error
	MarkJobRunStarted(ctx context.Context, id string, ts time.Time) error
	MarkJobRunFinished(ctx context.Context, id, status, errMsg string, ts time.Time) error
}

// Options tunes a Runner. Zero values fall back to defaults.
type Options struct {
	QueueSize      int
	WorkerCount    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type request struct {
	id      string
	params  Params
	attempt int
	due     *time.Timer
	dueAt   time.Time
}

type slot struct {
	name     string
	def      Definition
	running  *request
	waiting  *request
	failures int
	cronID   cron.EntryID
	cronSpec string

	lastID       string
	lastStatus   string
	lastError    string
	lastFinished time.Time
}

// Runner executes registered jobs.
type Runner struct {
	mu      sync.Mutex
	slots   map[string]*slot
	queue   *queue.Queue
	cron    *cron.Cron
	store   RunStore
	opts    Options
	log     *logger.Logger
	base    context.Context
	started bool
	stopped bool
}

// NewRunner constructs a runner.
func NewRunner(st RunStore, opts Options, log *logger.Logger) *Runner {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log = log.Named("jobs")
	return &Runner{
		slots: make(map[string]*slot),
		queue: queue.New(opts.QueueSize, opts.WorkerCount, time.Hour, log),
		cron:  cron.New(),
		store: st,
		opts:  opts,
		log:   log,
		base:  context.Background(),
	}
}

// Register adds or replaces a job implementation.
func (r *Runner) Register(name string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[name]; ok {
		s.def = def
		return
	}
	r.slots[name] = &slot{name: name, def: def}
}

// RegisterAll registers every entry of reg.
func (r *Runner) RegisterAll(reg Registry) {
	for name, def := range reg {
		r.Register(name, def)
	}
}

// Start spins the worker pool and the cron scheduler and dispatches any
// requests made before start.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.base = ctx
	r.queue.Start(ctx)
	r.cron.Start()
	for _, s := range r.slots {
		if w := s.waiting; w != nil && w.due == nil && s.running == nil {
			r.startLocked(s, w)
		}
	}
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	cronDone := r.cron.Stop()
	r.mu.Lock()
	r.stopped = true
	for _, s := range r.slots {
		if w := s.waiting; w != nil && w.due != nil {
			w.due.Stop()
		}
	}
	r.mu.Unlock()

	r.queue.Stop(ctx)
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
}

// Enqueue requests a run of name. It returns the id of the run that will
// carry the request: a fresh one, or the already waiting one.
func (r *Runner) Enqueue(ctx context.Context, name string, policy Policy, params Params) (string, error) {
	if params == nil {
		params = Params{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if r.stopped {
		return "", ErrStopped
	}

	if w := s.waiting; w != nil {
		if policy == PolicyKeep {
			return w.id, nil
		}
		w.params = params
		if err := r.store.UpdateJobRunParams(ctx, w.id, encodeParams(params)); err != nil {
			r.log.Warn("persist replaced params failed", logger.String("id", w.id), logger.Error(err))
		}
		if w.due != nil {
			w.due.Stop()
			w.due = nil
			if s.running == nil && r.started {
				r.startLocked(s, w)
			}
		}
		return w.id, nil
	}

	req := r.newRequestLocked(ctx, s, params)
	if s.running == nil && r.started {
		r.startLocked(s, req)
	} else {
		s.waiting = req
	}
	r.gaugeLocked()
	return req.id, nil
}

func (r *Runner) newRequestLocked(ctx context.Context, s *slot, params Params) *request {
	req := &request{id: uuid.NewString(), params: params, attempt: s.failures}
	err := r.store.RecordJobRun(ctx, store.JobRun{
		ID:         req.id,
		Name:       s.name,
		Status:     StatusQueued,
		ParamsJSON: encodeParams(params),
		Attempt:    req.attempt,
		CreatedAt:  r.opts.Now(),
	})
	if err != nil {
		r.log.Warn("persist job run failed", logger.String("job", s.name), logger.Error(err))
	}
	return req
}

func (r *Runner) startLocked(s *slot, req *request) {
	if s.waiting == req {
		s.waiting = nil
	}
	s.running = req
	job := queue.Job{
		ID:      req.id,
		Name:    s.name,
		Timeout: s.def.Timeout,
		Work: func(ctx context.Context) error {
			if err := r.store.MarkJobRunStarted(ctx, req.id, r.opts.Now()); err != nil {
				r.log.Warn("persist job start failed", logger.String("id", req.id), logger.Error(err))
			}
			return s.def.Run(ctx, req.params)
		},
		OnFinish: func(err error) { r.finish(s, req, err) },
	}
	if err := r.queue.Enqueue(job); err != nil {
		s.running = nil
		r.log.Error("dispatch failed", logger.String("job", s.name), logger.String("id", req.id), logger.Error(err))
		_ = r.store.MarkJobRunFinished(context.Background(), req.id, StatusFailed, err.Error(), r.opts.Now())
	}
}

func (r *Runner) finish(s *slot, req *request, runErr error) {
	now := r.opts.Now()
	status, msg := StatusSucceeded, ""
	switch {
	case runErr == nil:
	case r.base.Err() != nil:
		status, msg = StatusCancelled, runErr.Error()
	default:
		status, msg = StatusFailed, runErr.Error()
	}
	if err := r.store.MarkJobRunFinished(context.Background(), req.id, status, msg, now); err != nil {
		r.log.Warn("persist job finish failed", logger.String("id", req.id), logger.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.running = nil
	s.lastID, s.lastStatus, s.lastError, s.lastFinished = req.id, status, msg, now

	switch status {
	case StatusSucceeded:
		s.failures = 0
	case StatusFailed:
		s.failures++
		if s.waiting == nil && !r.stopped {
			retry := r.newRequestLocked(context.Background(), s, req.params)
			delay := r.backoff(s.failures - 1)
			retry.dueAt = now.Add(delay)
			retry.due = time.AfterFunc(delay, func() { r.fire(s, retry) })
			s.waiting = retry
			r.log.Info("job retry scheduled", logger.String("job", s.name), logger.Int("failures", s.failures), logger.Duration("delay", delay))
		}
	}

	if w := s.waiting; w != nil && w.due == nil && !r.stopped {
		r.startLocked(s, w)
	}
	r.gaugeLocked()
}

func (r *Runner) fire(s *slot, req *request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.waiting != req || req.due == nil {
		return
	}
	req.due = nil
	if s.running == nil && !r.stopped {
		r.startLocked(s, req)
	}
}

// backoff returns initial * 2^attempt, capped at BackoffMax.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.opts.BackoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.opts.BackoffMax {
			return r.opts.BackoffMax
		}
	}
	return min(d, r.opts.BackoffMax)
}

// Schedule enqueues name with PolicyKeep on every tick of spec. Scheduling a
// name again replaces its previous entry.
func (r *Runner) Schedule(name, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	id, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Enqueue(context.Background(), name, PolicyKeep, nil); err != nil && !errors.Is(err, ErrStopped) {
			r.log.Warn("periodic enqueue failed", logger.String("job", name), logger.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if s.cronID != 0 {
		r.cron.Remove(s.cronID)
	}
	s.cronID, s.cronSpec = id, spec
	r.log.Info("job scheduled", logger.String("job", name), logger.String("cron", spec))
	return nil
}

func (r *Runner) gaugeLocked() {
	n := 0
	for _, s := range r.slots {
		if s.running != nil {
			n++
		}
		if s.waiting != nil {
			n++
		}
	}
	r.opts.Metrics.QueueLength(n)
}

// JobStatus is a snapshot of one job name.
type JobStatus struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Waiting      bool       `json:"waiting"`
	RetryAt      *time.Time `json:"retry_at,omitempty"`
	Failures     int        `json:"consecutive_failures"`
	Schedule     string     `json:"schedule,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
}

// Stats is a snapshot of the runner.
type Stats struct {
	Jobs  []JobStatus `json:"jobs"`
	Queue queue.Stats `json:"queue"`
}

// Stats reports every registered job, sorted by name.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Stats{Queue: r.queue.Stats()}
	for _, s := range r.slots {
		js := JobStatus{
			Name:       s.name,
			Running:    s.running != nil,
			Waiting:    s.waiting != nil,
			Failures:   s.failures,
			Schedule:   s.cronSpec,
			LastRunID:  s.lastID,
			LastStatus: s.lastStatus,
			LastError:  s.lastError,
		}
		if w := s.waiting; w != nil && w.due != nil {
			at := w.dueAt
			js.RetryAt = &at
		}
		if s.cronID != 0 {
			if next := r.cron.Entry(s.cronID).Next; !next.IsZero() {
				js.NextRun = &next
			}
		}
		if !s.lastFinished.IsZero() {
			at := s.lastFinished
			js.LastFinished = &at
		}
		out.Jobs = append(out.Jobs, js)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].Name < out.Jobs[j].Name })
	return out
}

// Healthy reports whether the worker pool accepts work.
func (r *Runner) Healthy() bool { return r.queue.Healthy() }

func encodeParams(p Params) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
