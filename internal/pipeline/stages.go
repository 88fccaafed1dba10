// Package pipeline binds the sync engine's passes to job names.
package pipeline

import (
	"context"
	"sync"
	"time"

	"callsync/internal/jobs"
	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/model"
)

// Job names.
const (
	JobSync    = "sync"
	JobUpload  = "upload"
	JobRematch = "rematch"
)

// ParamQuick skips the call log import on a sync run.
const ParamQuick = "quick"

type Syncer interface {
	RunSyncPass(ctx context.Context, quick bool) (model.SyncResult, error)
}

type Uploader interface {
	RunUploadPass(ctx context.Context) (model.UploadResult, error)
}

type Rematcher interface {
	RematchAll(ctx context.Context) (model.MatchResult, error)
}

// Deps are the passes a registry runs. Timeouts double as lease ceilings.
type Deps struct {
	Sync           Syncer
	Upload         Uploader
	Rematch        Rematcher
	SyncTimeout    time.Duration
	UploadTimeout  time.Duration
	RematchTimeout time.Duration
	Metrics        *metrics.Metrics
	Results        *Results
}

// Results keeps the most recent result of every job.
type Results struct {
	mu   sync.RWMutex
	last map[string]any
}

func NewResults() *Results { return &Results{last: map[string]any{}} }

func (r *Results) set(name string, v any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[name] = v
}

// Snapshot copies the latest results keyed by job name.
func (r *Results) Snapshot() map[string]any {
	out := map[string]any{}
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.last {
		out[k] = v
	}
	return out
}

// BuildRegistry wires every pass into a job registry.
func BuildRegistry(d Deps, log *logger.Logger) jobs.Registry {
	log = log.Named("pipeline")
	return jobs.Registry{
		JobSync: {
			Timeout: d.SyncTimeout,
			Run: func(ctx context.Context, p jobs.Params) error {
				return observe(d, log, JobSync, func() (model.Outcome, any, error) {
					res, err := d.Sync.RunSyncPass(ctx, p.Bool(ParamQuick))
					return res.Outcome, res, err
				})
			},
		},
		JobUpload: {
			Timeout: d.UploadTimeout,
			Run: func(ctx context.Context, _ jobs.Params) error {
				return observe(d, log, JobUpload, func() (model.Outcome, any, error) {
					res, err := d.Upload.RunUploadPass(ctx)
					return res.Outcome, res, err
				})
			},
		},
		JobRematch: {
			Timeout: d.RematchTimeout,
			Run: func(ctx context.Context, _ jobs.Params) error {
				return observe(d, log, JobRematch, func() (model.Outcome, any, error) {
					res, err := d.Rematch.RematchAll(ctx)
					return model.OutcomeFor(err), res, err
				})
			},
		},
	}
}

func observe(d Deps, log *logger.Logger, name string, run func() (model.Outcome, any, error)) error {
	start := time.Now()
	outcome, res, err := run()
	took := time.Since(start)
	if err != nil {
		outcome = model.OutcomeRetry
	}
	d.Metrics.ObservePass(name, string(outcome), took)
	d.Results.set(name, res)
	if err != nil {
		log.Warn("pass failed", logger.String("job", name), logger.Duration("took", took), logger.Error(err))
		return err
	}
	log.Info("pass finished", logger.String("job", name), logger.Duration("took", took), logger.Any("result", res))
	return nil
}
