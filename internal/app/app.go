// Package app wires the sync engine together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"callsync/internal/calllog"
	"callsync/internal/config"
	"callsync/internal/events"
	"callsync/internal/httpapi"
	"callsync/internal/jobs"
	"callsync/internal/lease"
	"callsync/internal/logger"
	"callsync/internal/matcher"
	"callsync/internal/metrics"
	"callsync/internal/pipeline"
	"callsync/internal/progress"
	"callsync/internal/recordings"
	"callsync/internal/remote"
	"callsync/internal/store"
	"callsync/internal/syncer"
	"callsync/internal/upload"
	"callsync/internal/watch"
)

// App holds every component of one engine instance.
type App struct {
	cfg      config.Config
	log      *logger.Logger
	store    *store.Store
	metrics  *metrics.Metrics
	bus      *events.Bus
	results  *pipeline.Results
	runner   *jobs.Runner
	importer *calllog.Importer
	syncer   *syncer.Orchestrator
	uploader *upload.Pipeline
	matcher  *matcher.Matcher
	watcher  *watch.Watcher
	router   *httpapi.Router
}

func New(cfg config.Config, log *logger.Logger) (*App, error) {
	for _, w := range cfg.Warnings {
		log.Warn("config", logger.String("warning", w))
	}

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: metrics.New(),
		bus:     events.NewBus(),
		results: pipeline.NewResults(),
	}
	a.runner = jobs.NewRunner(st, jobs.Options{
		QueueSize:      cfg.Sync.QueueSize,
		WorkerCount:    cfg.Sync.WorkerCount,
		BackoffInitial: cfg.Schedule.BackoffInitial,
		BackoffMax:     cfg.Schedule.BackoffMax,
		Metrics:        a.metrics,
		Now:            config.Now,
	}, log)

	api := remote.NewClient(remote.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, a.identity, log)
	leases := lease.NewSharedManager(st)
	triggerUpload := func() { a.trigger(pipeline.JobUpload) }

	a.importer = calllog.NewImporter(calllog.NewFileSource(cfg.CallLogPath), st, log)
	a.syncer = syncer.New(st, api, a.importer, syncer.Options{
		Lease:         leases,
		LeaseTTL:      cfg.Sync.MetadataLease,
		BatchSize:     cfg.Sync.PushBatchSize,
		Progress:      progress.ForTopic(a.bus, pipeline.JobSync),
		Metrics:       a.metrics,
		TriggerUpload: triggerUpload,
	}, log)

	scanner := recordings.NewScanner(cfg.RecordingsDirs, log)
	a.matcher = matcher.New(st, scanner, matcher.Options{
		TimeTolerance:     cfg.Sync.MatchTimeTolerance,
		DurationTolerance: cfg.Sync.MatchDurationTolerance,
		ProgressEvery:     cfg.Sync.ProgressEvery,
		Progress:          progress.ForTopic(a.bus, pipeline.JobRematch),
		Metrics:           a.metrics,
		TriggerUpload:     triggerUpload,
	}, log)

	diskIndex := upload.LocatorFunc(func(ctx context.Context) (upload.Finder, error) {
		ix, err := a.matcher.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return ix, nil
	})
	a.uploader = upload.New(st, api, diskIndex, upload.Options{
		Lease:            leases,
		LeaseTTL:         cfg.Sync.UploadLease,
		MicroBatch:       cfg.Sync.UploadMicroBatch,
		StatusCheckLimit: cfg.Sync.StatusCheckLimit,
		ChunkSize:        cfg.Sync.ChunkSizeBytes,
		NotFoundGrace:    cfg.Sync.NotFoundGrace,
		StaleUpload:      cfg.Sync.StaleUpload,
		Progress:         progress.ForTopic(a.bus, pipeline.JobUpload),
		Metrics:          a.metrics,
	}, log)

	a.runner.RegisterAll(pipeline.BuildRegistry(pipeline.Deps{
		Sync:           a.syncer,
		Upload:         a.uploader,
		Rematch:        a.matcher,
		SyncTimeout:    cfg.Sync.MetadataLease,
		UploadTimeout:  cfg.Sync.UploadLease,
		RematchTimeout: cfg.Sync.MetadataLease,
		Metrics:        a.metrics,
		Results:        a.results,
	}, log))

	a.watcher = watch.New(cfg.RecordingsDirs, pipeline.JobRematch, 0, a.runner, log)
	a.router = httpapi.NewRouter(st, a.runner, a.bus, a.metrics, a.results, log)
	return a, nil
}

// identity feeds the pairing ids into every API request.
func (a *App) identity(ctx context.Context) (string, string, error) {
	s, err := a.store.LoadSettings(ctx)
	if err != nil {
		return "", "", err
	}
	return s.OrgID, s.DeviceID, nil
}

func (a *App) trigger(job string) {
	if _, err := a.runner.Enqueue(context.Background(), job, jobs.PolicyReplace, nil); err != nil && !errors.Is(err, jobs.ErrStopped) {
		a.log.Warn("trigger failed", logger.String("job", job), logger.Error(err))
	}
}

// Run starts the scheduler, the watcher and the HTTP server, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.runner.Stop(stopCtx)
	}()

	schedules := map[string]string{
		pipeline.JobSync:    a.cfg.Schedule.Metadata,
		pipeline.JobUpload:  a.cfg.Schedule.Upload,
		pipeline.JobRematch: a.cfg.Schedule.Rematch,
	}
	for job, spec := range schedules {
		if err := a.runner.Schedule(job, spec); err != nil {
			return err
		}
	}

	if a.cfg.WatchRecordings {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		if err := a.watcher.Backfill(ctx); err != nil {
			a.log.Warn("recording backfill failed", logger.Error(err))
		}
	}
	a.trigger(pipeline.JobSync)

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.router.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http listening", logger.String("addr", a.cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Close() error { return a.store.Close() }

func (a *App) Store() *store.Store { return a.store }
func (a *App) Runner() *jobs.Runner { return a.runner }
func (a *App) Importer() *calllog.Importer { return a.importer }
func (a *App) Syncer() *syncer.Orchestrator { return a.syncer }
func (a *App) Uploader() *upload.Pipeline { return a.uploader }
func (a *App) Matcher() *matcher.Matcher { return a.matcher }
func (a *App) Handler() http.Handler { return a.router.Handler() }
