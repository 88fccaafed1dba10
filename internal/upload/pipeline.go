// Package upload sends matched recordings to the server in fixed-size
// chunks and keeps their recording status consistent across crashes and
// cancellation.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"callsync/backfill"
	"callsync/internal/lease"
	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/model"
	"callsync/internal/progress"
)

// LeaseName guards upload passes.
const LeaseName = "recording-upload"

// Store is the local state an upload pass reads and writes.
type Store interface {
	LoadSettings(ctx context.Context) (model.Settings, error)
	GetPendingRecordingSync(ctx context.Context) ([]model.CallRecord, error)
	GetInFlightRecordings(ctx context.Context) ([]model.CallRecord, error)
	UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error
	UpdateRecordingPath(ctx context.Context, id string, path string) error
	UpdateSyncError(ctx context.Context, id string, msg string) error
	MarkRecordingFailed(ctx context.Context, id, msg string, retryable bool) error
	RequeueRetryableRecordings(ctx context.Context) (int, error)
	IsRecordingPathAssigned(ctx context.Context, path, exceptID string) (bool, error)
}

// API is the remote surface used by an upload pass.
type API interface {
	ChunkAPI
	CheckRecordingsStatus(ctx context.Context, ids []string) ([]string, error)
}

// Finder looks up the recording for one call in a fixed view of the disk.
type Finder interface {
	FindOne(callDate time.Time, durationSec int, phone, contactName string) string
}

// Locator scans the recording directories. A pass takes at most one snapshot.
type Locator interface {
	Snapshot(ctx context.Context) (Finder, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Finder, error)

func (f LocatorFunc) Snapshot(ctx context.Context) (Finder, error) { return f(ctx) }

// Options tunes a Pipeline. Zero values fall back to defaults.
type Options struct {
	Lease            lease.Leaser
	LeaseTTL         time.Duration
	MicroBatch       int
	StatusCheckLimit int
	ChunkSize        int64
	// NotFoundGrace is how long an unmatched call may wait for its file.
	NotFoundGrace time.Duration
	StaleUpload   time.Duration
	Progress      progress.Reporter
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Pipeline runs one upload pass at a time.
type Pipeline struct {
	store   Store
	api     API
	locator Locator
	opts    Options
	log     *logger.Logger
}

func New(st Store, api API, locator Locator, opts Options, log *logger.Logger) *Pipeline {
	if opts.Lease == nil {
		opts.Lease = lease.Nop{}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Minute
	}
	if opts.MicroBatch <= 0 {
		opts.MicroBatch = 5
	}
	if opts.StatusCheckLimit <= 0 {
		opts.StatusCheckLimit = 50
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.NotFoundGrace <= 0 {
		opts.NotFoundGrace = 3 * time.Hour
	}
	if opts.StaleUpload <= 0 {
		opts.StaleUpload = 45 * time.Minute
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{store: st, api: api, locator: locator, opts: opts, log: log.Named("upload")}
}

// RunUploadPass uploads every eligible pending recording. Unmet
// preconditions return success with Skipped set. Per-record failures are
// recorded on the record and never fail the pass.
func (p *Pipeline) RunUploadPass(ctx context.Context) (model.UploadResult, error) {
	res := model.UploadResult{Outcome: model.OutcomeSuccess}

	leaseCtx, release, err := p.opts.Lease.Acquire(ctx, LeaseName, p.opts.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		res.Skipped = "pass already running"
		return res, nil
	}
	if err != nil {
		return p.fail(res, fmt.Errorf("acquire lease: %w", err))
	}
	defer release()
	ctx = leaseCtx

	settings, err := p.store.LoadSettings(ctx)
	if err != nil {
		return p.fail(res, fmt.Errorf("load settings: %w", err))
	}
	now := p.opts.Now()
	if reason := blocked(settings, now.UnixMilli()); reason != "" {
		p.log.Info("upload pass skipped", logger.String("reason", reason))
		res.Skipped = reason
		return res, nil
	}

	summary, err := backfill.Run(ctx, inFlight{p.store}, now, p.opts.StaleUpload, p.log)
	if err != nil {
		return p.fail(res, fmt.Errorf("recover stale uploads: %w", err))
	}
	res.Recovered = summary.Requeued
	if res.Retried, err = p.store.RequeueRetryableRecordings(ctx); err != nil {
		return p.fail(res, fmt.Errorf("requeue failed uploads: %w", err))
	}

	pending, err := p.store.GetPendingRecordingSync(ctx)
	if err != nil {
		return p.fail(res, fmt.Errorf("load pending recordings: %w", err))
	}

	eligible := pending[:0]
	for _, c := range pending {
		if settings.RecordingEnabledSince > 0 && c.CallTimestamp < settings.RecordingEnabledSince {
			if err := p.store.UpdateRecordingStatus(ctx, c.CompositeID, model.RecordingNotApplicable); err != nil {
				return p.fail(res, err)
			}
			res.NotApplicable++
			continue
		}
		eligible = append(eligible, c)
	}

	eligible, err = p.dropServerComplete(ctx, eligible, &res)
	if err != nil {
		return p.fail(res, err)
	}

	files := &lookup{locator: p.locator}
	total := len(eligible)
	for start := 0; start < total; start += p.opts.MicroBatch {
		end := min(start+p.opts.MicroBatch, total)
		p.opts.Progress.ReportProgress(float64(start)/float64(total), fmt.Sprintf("Uploading recordings %d/%d", start, total))
		for _, c := range eligible[start:end] {
			if err := ctx.Err(); err != nil {
				return p.fail(res, err)
			}
			if err := p.process(ctx, c, files, &res); err != nil {
				return p.fail(res, err)
			}
		}
	}
	if total > 0 {
		p.opts.Progress.ReportProgress(1, "Uploads complete")
	}

	p.log.Info("upload pass finished",
		logger.Int("uploaded", res.Uploaded),
		logger.Int("already_complete", res.AlreadyComplete),
		logger.Int("failed", res.Failed),
		logger.Int("not_found", res.NotFound),
		logger.Int("chunks", res.ChunksSent))
	return res, nil
}

func blocked(s model.Settings, nowMs int64) string {
	switch {
	case !s.Paired():
		return "not paired"
	case !s.RecordingEnabled:
		return "recording disabled"
	case s.PlanExpired(nowMs):
		return "plan expired"
	case s.QuotaExhausted():
		return "storage quota exhausted"
	}
	return ""
}

// dropServerComplete asks the server about the first StatusCheckLimit ids and
// marks the ones it already holds COMPLETED. A failed check is logged and the
// pass carries on with the full list.
func (p *Pipeline) dropServerComplete(ctx context.Context, calls []model.CallRecord, res *model.UploadResult) ([]model.CallRecord, error) {
	if len(calls) == 0 {
		return calls, nil
	}
	n := min(len(calls), p.opts.StatusCheckLimit)
	ids := make([]string, 0, n)
	for _, c := range calls[:n] {
		ids = append(ids, c.CompositeID)
	}
	done, err := p.api.CheckRecordingsStatus(ctx, ids)
	if err != nil {
		if model.IsCancellation(err) {
			return nil, err
		}
		p.log.Warn("recording status check failed", logger.Error(err))
		return calls, nil
	}
	complete := make(map[string]bool, len(done))
	for _, id := range done {
		complete[id] = true
	}

	out := calls[:0]
	for _, c := range calls {
		if !complete[c.CompositeID] {
			out = append(out, c)
			continue
		}
		if err := p.store.UpdateRecordingStatus(ctx, c.CompositeID, model.RecordingCompleted); err != nil {
			return nil, err
		}
		res.AlreadyComplete++
		p.opts.Metrics.Recording(string(model.RecordingCompleted))
	}
	return out, nil
}

// process handles one recording. Only store errors and cancellation are returned.
func (p *Pipeline) process(ctx context.Context, c model.CallRecord, files *lookup, res *model.UploadResult) error {
	path, err := p.resolvePath(ctx, c, files)
	if err != nil {
		return err
	}
	if path == "" {
		age := p.opts.Now().Sub(time.UnixMilli(c.CallTimestamp))
		if age <= p.opts.NotFoundGrace {
			return nil
		}
		return p.notFound(ctx, c.CompositeID, "no recording matched", res)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p.notFound(ctx, c.CompositeID, "recording file missing", res)
		}
		return p.failed(ctx, c.CompositeID, err, false, res)
	}

	if err := p.store.UpdateRecordingStatus(ctx, c.CompositeID, model.RecordingUploading); err != nil {
		return err
	}
	p.opts.Metrics.Recording(string(model.RecordingUploading))

	out, err := uploadFile(ctx, p.api, c.CompositeID, path, p.opts.ChunkSize, p.opts.Metrics.ChunkUploaded)
	res.ChunksSent += out.chunks
	switch {
	case err != nil && model.IsCancellation(err):
		// the pass is over; put the record back for the next one
		if rerr := p.store.UpdateRecordingStatus(context.WithoutCancel(ctx), c.CompositeID, model.RecordingPending); rerr != nil {
			p.log.Error("revert cancelled upload failed", logger.String("id", c.CompositeID), logger.Error(rerr))
		}
		return err
	case err != nil:
		return p.failed(ctx, c.CompositeID, err, !errors.Is(err, ErrEmptyFile), res)
	}

	if err := p.store.UpdateRecordingStatus(ctx, c.CompositeID, model.RecordingCompleted); err != nil {
		return err
	}
	if err := p.store.UpdateSyncError(ctx, c.CompositeID, ""); err != nil {
		return err
	}
	if out.alreadyComplete {
		res.AlreadyComplete++
	} else {
		res.Uploaded++
	}
	p.opts.Metrics.Recording(string(model.RecordingCompleted))
	p.log.Debug("recording uploaded", logger.String("id", c.CompositeID), logger.Int("chunks", out.chunks))
	return nil
}

// lookup takes the disk snapshot on first use and keeps it for the pass.
type lookup struct {
	locator Locator
	finder  Finder
	taken   bool
}

func (l *lookup) find(ctx context.Context, c model.CallRecord) (string, error) {
	if !l.taken {
		l.taken = true
		f, err := l.locator.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		l.finder = f
	}
	if l.finder == nil {
		return "", nil
	}
	return l.finder.FindOne(time.UnixMilli(c.CallTimestamp), c.DurationSec, c.PhoneNumber, c.ContactName), nil
}

func (p *Pipeline) resolvePath(ctx context.Context, c model.CallRecord, files *lookup) (string, error) {
	if c.RecordingPath != "" || files.locator == nil {
		return c.RecordingPath, nil
	}
	found, err := files.find(ctx, c)
	if err != nil {
		if model.IsCancellation(err) {
			return "", err
		}
		p.log.Warn("recording lookup failed", logger.String("id", c.CompositeID), logger.Error(err))
		return "", nil
	}
	if found == "" {
		return "", nil
	}
	taken, err := p.store.IsRecordingPathAssigned(ctx, found, c.CompositeID)
	if err != nil || taken {
		return "", err
	}
	if err := p.store.UpdateRecordingPath(ctx, c.CompositeID, found); err != nil {
		return "", err
	}
	return found, nil
}

func (p *Pipeline) notFound(ctx context.Context, id, msg string, res *model.UploadResult) error {
	if err := p.store.UpdateRecordingStatus(ctx, id, model.RecordingNotFound); err != nil {
		return err
	}
	res.NotFound++
	p.opts.Metrics.Recording(string(model.RecordingNotFound))
	return p.store.UpdateSyncError(ctx, id, msg)
}

func (p *Pipeline) failed(ctx context.Context, id string, cause error, retryable bool, res *model.UploadResult) error {
	p.log.Warn("recording upload failed", logger.String("id", id), logger.Bool("retryable", retryable), logger.Error(cause))
	res.Failed++
	p.opts.Metrics.Recording(string(model.RecordingFailed))
	return p.store.MarkRecordingFailed(ctx, id, cause.Error(), retryable)
}

func (p *Pipeline) fail(res model.UploadResult, err error) (model.UploadResult, error) {
	res.Outcome = model.OutcomeFor(err)
	if !model.IsCancellation(err) {
		p.log.Error("upload pass failed", logger.Error(err))
	}
	return res, err
}

// inFlight adapts the store to stale in-flight recovery.
type inFlight struct{ store Store }

func (r inFlight) ListInFlight(ctx context.Context) ([]backfill.Record, error) {
	calls, err := r.store.GetInFlightRecordings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]backfill.Record, 0, len(calls))
	for _, c := range calls {
		out = append(out, backfill.Record{
			CompositeID: c.CompositeID,
			Status:      c.RecordingStatus,
			UpdatedAt:   time.UnixMilli(c.RecordingUpdatedAt),
		})
	}
	return out, nil
}

func (r inFlight) Requeue(ctx context.Context, rec backfill.Record) error {
	return r.store.UpdateRecordingStatus(ctx, rec.CompositeID, model.RecordingPending)
}
