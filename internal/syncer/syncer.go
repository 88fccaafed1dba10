// Package syncer runs metadata sync passes: import, config refresh, then
// pull and push in parallel, then cursor advance.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"callsync/internal/lease"
	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/model"
	"callsync/internal/progress"
	"callsync/internal/remote"
)

// LeaseName guards metadata passes.
const LeaseName = "metadata-sync"

// Store is the local state the orchestrator reads and writes.
type Store interface {
	LoadSettings(ctx context.Context) (model.Settings, error)
	SaveRemoteConfig(ctx context.Context, cfg model.RemoteConfig) error
	SetTrackingStart(ctx context.Context, ms int64) error
	AdvanceSyncCursor(ctx context.Context, ms int64) error

	GetPendingMetadataSync(ctx context.Context) ([]model.CallRecord, error)
	MarkMetadataSynced(ctx context.Context, id string, serverTime int64) error
	UpdateMetadataStatus(ctx context.Context, id string, status model.MetadataStatus) error
	UpdateSyncError(ctx context.Context, id string, msg string) error
	PromoteRecording(ctx context.Context, id string) (bool, error)
	IsExcludedFromSync(ctx context.Context, phone string) (bool, error)
	CountPendingRecordings(ctx context.Context) (int, error)

	GetPendingPersonSync(ctx context.Context) ([]model.PersonRecord, error)
	UpdatePersonSyncStatus(ctx context.Context, phone string, pending bool) error
	ApplyPersonLabelToLastCall(ctx context.Context, phone string) error

	ApplyServerCallUpdatesBatch(ctx context.Context, updates []model.CallUpdate) (int, error)
	ApplyServerPersonUpdatesBatch(ctx context.Context, updates []model.PersonUpdate) (int, error)
}

// API is the remote surface used by a metadata pass.
type API interface {
	FetchConfig(ctx context.Context) (model.RemoteConfig, error)
	FetchUpdates(ctx context.Context, sinceMs int64) (remote.Updates, error)
	BatchSyncCalls(ctx context.Context, calls []model.CallRecord) (remote.BatchResult, error)
	UpdateCall(ctx context.Context, call model.CallRecord) (int64, error)
	UpdatePerson(ctx context.Context, p model.PersonRecord) error
}

// Importer pulls the system call log into the store.
type Importer interface {
	Available() bool
	ImportFromSystemLog(ctx context.Context) (int, error)
}

// Options tunes an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Lease     lease.Leaser
	LeaseTTL  time.Duration
	BatchSize int
	Progress  progress.Reporter
	Metrics   *metrics.Metrics
	// TriggerUpload is fired, not awaited, when recordings are waiting.
	TriggerUpload func()
	Now           func() time.Time
}

// Orchestrator coordinates one metadata sync pass at a time.
type Orchestrator struct {
	store    Store
	api      API
	importer Importer
	opts     Options
	log      *logger.Logger
}

func New(st Store, api API, importer Importer, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Lease == nil {
		opts.Lease = lease.Nop{}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{store: st, api: api, importer: importer, opts: opts, log: log.Named("syncer")}
}

// RunSyncPass runs one pass. quick skips the call log import. A nil error
// covers every no-op short circuit; any error is retryable.
func (o *Orchestrator) RunSyncPass(ctx context.Context, quick bool) (model.SyncResult, error) {
	res := model.SyncResult{Outcome: model.OutcomeSuccess}

	leaseCtx, release, err := o.opts.Lease.Acquire(ctx, LeaseName, o.opts.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		res.Skipped = "pass already running"
		return res, nil
	}
	if err != nil {
		return o.fail(res, fmt.Errorf("acquire lease: %w", err))
	}
	defer release()
	ctx = leaseCtx

	if !o.importer.Available() {
		o.log.Info("call log not readable, skipping pass")
		res.Skipped = "call log unavailable"
		return res, nil
	}

	if !quick {
		o.opts.Progress.ReportProgress(0.05, "Importing call log")
		n, err := o.importer.ImportFromSystemLog(ctx)
		if err != nil {
			if model.IsCancellation(err) {
				return o.fail(res, err)
			}
			o.log.Warn("call log import failed", logger.Error(err))
		}
		res.Imported = n
	}

	settings, err := o.store.LoadSettings(ctx)
	if err != nil {
		return o.fail(res, fmt.Errorf("load settings: %w", err))
	}
	if !settings.Paired() {
		res.Skipped = "not paired"
		return res, nil
	}

	o.opts.Progress.ReportProgress(0.2, "Fetching configuration")
	if !settings.TrackingEnabled {
		if err := o.refreshConfig(ctx, settings); err != nil {
			return o.fail(res, err)
		}
		res.Skipped = "tracking disabled"
		return res, nil
	}
	if err := o.refreshConfig(ctx, settings); err != nil {
		return o.fail(res, err)
	}

	o.opts.Progress.ReportProgress(0.4, "Syncing calls")
	watermark := o.opts.Now().UnixMilli()
	var pulled pullStats
	var pushed pushStats
	var persons int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pulled, err = o.pull(gctx, settings.LastSyncMs)
		return err
	})
	g.Go(func() error {
		var err error
		pushed, err = o.pushCalls(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		persons, err = o.pushPersons(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return o.fail(res, err)
	}

	res.PulledCalls, res.PulledPersons = pulled.calls, pulled.persons
	res.PushedNew, res.PushedUpdates = pushed.fresh, pushed.updates
	res.Excluded, res.FailedCalls, res.BatchCalls = pushed.excluded, pushed.failed, pushed.batches
	res.PushedPersons = persons

	if pulled.serverTime > 0 {
		watermark = pulled.serverTime
	}
	if err := o.store.AdvanceSyncCursor(ctx, watermark); err != nil {
		return o.fail(res, fmt.Errorf("advance cursor: %w", err))
	}
	res.CursorMs = watermark

	pending, err := o.store.CountPendingRecordings(ctx)
	if err != nil {
		o.log.Warn("count pending recordings failed", logger.Error(err))
	} else if pending > 0 && o.opts.TriggerUpload != nil {
		o.opts.TriggerUpload()
		res.UploadTriggered = true
	}

	o.opts.Progress.ReportProgress(1, "Sync complete")
	o.log.Info("sync pass finished",
		logger.Bool("quick", quick),
		logger.Int("imported", res.Imported),
		logger.Int("pulled_calls", res.PulledCalls),
		logger.Int("pulled_persons", res.PulledPersons),
		logger.Int("pushed_new", res.PushedNew),
		logger.Int("pushed_updates", res.PushedUpdates),
		logger.Int("excluded", res.Excluded),
		logger.Int("failed", res.FailedCalls),
		logger.Int("persons", res.PushedPersons),
		logger.Int64("cursor", watermark))
	return res, nil
}

func (o *Orchestrator) fail(res model.SyncResult, err error) (model.SyncResult, error) {
	res.Outcome = model.OutcomeFor(err)
	return res, err
}

// refreshConfig fetches and applies remote configuration. Remote failures
// leave the previous local config in place; only cancellation is returned.
func (o *Orchestrator) refreshConfig(ctx context.Context, settings model.Settings) error {
	cfg, err := o.api.FetchConfig(ctx)
	if err != nil {
		if model.IsCancellation(err) {
			return err
		}
		o.log.Warn("config fetch failed, keeping local config", logger.Error(err))
		return nil
	}
	if err := o.store.SaveRemoteConfig(ctx, cfg); err != nil {
		if model.IsCancellation(err) {
			return err
		}
		o.log.Warn("config apply failed", logger.Error(err))
		return nil
	}
	if !cfg.AllowTrackingStartChange && cfg.DefaultTrackingStart > 0 && settings.TrackingStartMs != cfg.DefaultTrackingStart {
		if err := o.store.SetTrackingStart(ctx, cfg.DefaultTrackingStart); err != nil {
			o.log.Warn("enforce tracking start failed", logger.Error(err))
		} else {
			o.log.Info("tracking start enforced by server", logger.Int64("start", cfg.DefaultTrackingStart))
		}
	}
	return nil
}
