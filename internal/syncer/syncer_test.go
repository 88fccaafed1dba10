package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"callsync/internal/lease"
	"callsync/internal/logger"
	"callsync/internal/model"
	"callsync/internal/progress"
	"callsync/internal/remote"
	"callsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu          sync.Mutex
	cfg         model.RemoteConfig
	cfgErr      error
	configCalls int
	updates     remote.Updates
	updatesErr  error
	blockPull   bool
	pullSince   []int64
	batchSizes  []int
	batchFn     func([]model.CallRecord) (remote.BatchResult, error)
	updated     []string
	updateErr   error
	persons     []string
}

func (f *fakeAPI) FetchConfig(ctx context.Context) (model.RemoteConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configCalls++
	return f.cfg, f.cfgErr
}

func (f *fakeAPI) FetchUpdates(ctx context.Context, since int64) (remote.Updates, error) {
	f.mu.Lock()
	f.pullSince = append(f.pullSince, since)
	block := f.blockPull
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return remote.Updates{}, ctx.Err()
	}
	return f.updates, f.updatesErr
}

func (f *fakeAPI) BatchSyncCalls(ctx context.Context, calls []model.CallRecord) (remote.BatchResult, error) {
	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, len(calls))
	fn := f.batchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(calls)
	}
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.CompositeID)
	}
	return remote.BatchResult{SyncedIDs: ids, ServerTime: 42}, nil
}

func (f *fakeAPI) UpdateCall(ctx context.Context, c model.CallRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, c.CompositeID)
	return 43, f.updateErr
}

func (f *fakeAPI) UpdatePerson(ctx context.Context, p model.PersonRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persons = append(f.persons, p.PhoneNumber)
	return nil
}

type fakeImporter struct {
	available bool
	runs      int
	err       error
}

func (f *fakeImporter) Available() bool { return f.available }

func (f *fakeImporter) ImportFromSystemLog(ctx context.Context) (int, error) {
	f.runs++
	return 0, f.err
}

type harness struct {
	st        *store.Store
	api       *fakeAPI
	importer  *fakeImporter
	orch      *Orchestrator
	triggered int
	progress  *progress.Recorder
}

const fixedNow = int64(1_700_000_000_000)

func newHarness(t *testing.T, paired bool) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.SetClock(func() time.Time { return time.UnixMilli(fixedNow - 60_000) })
	if paired {
		require.NoError(t, st.SetPairing(context.Background(), "org", "device"))
	}
	h := &harness{
		st:       st,
		api:      &fakeAPI{cfg: model.RemoteConfig{TrackingEnabled: true, AllowTrackingStartChange: true}},
		importer: &fakeImporter{available: true},
		progress: &progress.Recorder{},
	}
	h.orch = New(st, h.api, h.importer, Options{
		BatchSize:     100,
		Progress:      h.progress,
		TriggerUpload: func() { h.triggered++ },
		Now:           func() time.Time { return time.UnixMilli(fixedNow) },
	}, logger.NewNop())
	return h
}

func seedCalls(t *testing.T, st *store.Store, n int, phone string, dur int) []model.CallRecord {
	t.Helper()
	calls := make([]model.CallRecord, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, model.CallRecord{
			CompositeID:     fmt.Sprintf("%s_%d", model.Digits(phone), 1000+i),
			PhoneNumber:     phone,
			CallType:        model.CallOutgoing,
			DurationSec:     dur,
			CallTimestamp:   int64(1000 + i),
			RecordingStatus: model.RecordingNotApplicable,
		})
	}
	_, err := st.RecordImportedCalls(context.Background(), calls)
	require.NoError(t, err)
	return calls
}

func cursor(t *testing.T, st *store.Store) int64 {
	t.Helper()
	s, err := st.LoadSettings(context.Background())
	require.NoError(t, err)
	return s.LastSyncMs
}

func TestPushOf150NewCallsUsesTwoBatches(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	seedCalls(t, h.st, 100, "+1555", 30)
	seedCalls(t, h.st, 50, "+1666", 0)

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, []int{100, 50}, h.api.batchSizes)
	assert.Equal(t, 150, res.PushedNew)
	assert.Equal(t, 2, res.BatchCalls)
	assert.Empty(t, h.api.updated)

	counts, err := h.st.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, counts["metadata"]["SYNCED"])
	assert.Equal(t, 100, counts["recording"]["PENDING"])
	assert.Equal(t, 50, counts["recording"]["NOT_APPLICABLE"])

	assert.Equal(t, 1, h.triggered)
	assert.True(t, res.UploadTriggered)
	assert.Equal(t, fixedNow, cursor(t, h.st))
	assert.Equal(t, 1, h.importer.runs)
}

func TestExcludedNumberIsSyncedWithoutNetwork(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 1, "+1777", 30)
	require.NoError(t, h.st.UpdateMetadataStatus(ctx, calls[0].CompositeID, model.MetadataFailed))
	h.api.cfg.ExcludedNumbers = []string{"+1777"}

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Excluded)
	assert.Empty(t, h.api.batchSizes)
	assert.Empty(t, h.api.updated)

	got, err := h.st.GetCall(ctx, calls[0].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, model.MetadataSynced, got.MetadataStatus)
	assert.Equal(t, model.RecordingNotApplicable, got.RecordingStatus)
	assert.Zero(t, h.triggered)
}

func TestExclusionDuringPushKeepsRecordingRetired(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 1, "+1888", 45)
	excluded := true
	h.api.batchFn = func(batch []model.CallRecord) (remote.BatchResult, error) {
		// the concurrent pull lands an exclusion while the batch is in flight
		_, err := h.st.ApplyServerPersonUpdatesBatch(ctx, []model.PersonUpdate{
			{PhoneNumber: "+1888", ExcludeFromSync: &excluded, UpdatedAt: fixedNow},
		})
		require.NoError(t, err)
		return remote.BatchResult{SyncedIDs: []string{batch[0].CompositeID}, ServerTime: 42}, nil
	}

	_, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)

	got, err := h.st.GetCall(ctx, calls[0].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, model.MetadataSynced, got.MetadataStatus)
	assert.Equal(t, model.RecordingNotApplicable, got.RecordingStatus)
	assert.Zero(t, h.triggered)
}

func TestCursorHeldWhenPullFails(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.st.AdvanceSyncCursor(ctx, 500))
	h.api.updatesErr = errors.New("502 bad gateway")

	res, err := h.orch.RunSyncPass(ctx, false)
	require.Error(t, err)
	assert.Equal(t, model.OutcomeRetry, res.Outcome)
	assert.Equal(t, int64(500), cursor(t, h.st))
	assert.Equal(t, []int64{500}, h.api.pullSince)
}

func TestPullAppliesServerChangesAndUsesServerWatermark(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 1, "+1", 10)
	note := "called back"
	h.api.updates = remote.Updates{
		Calls:      []model.CallUpdate{{CompositeID: calls[0].CompositeID, Note: &note, UpdatedAt: fixedNow + 10_000}},
		ServerTime: fixedNow + 20_000,
	}

	res, err := h.orch.RunSyncPass(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PulledCalls)
	assert.Equal(t, fixedNow+20_000, cursor(t, h.st))
	assert.Zero(t, h.importer.runs, "quick mode skips import")

	got, err := h.st.GetCall(ctx, calls[0].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, "called back", got.Note)
}

func TestUpdateFailureIsIsolatedPerRecord(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 2, "+1", 10)
	require.NoError(t, h.st.UpdateMetadataStatus(ctx, calls[0].CompositeID, model.MetadataFailed))
	h.api.updateErr = errors.New("timeout")

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedCalls)
	assert.Equal(t, 1, res.PushedNew)
	assert.Equal(t, []string{calls[0].CompositeID}, h.api.updated)

	got, err := h.st.GetCall(ctx, calls[0].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, model.MetadataFailed, got.MetadataStatus)
	assert.Equal(t, "timeout", got.LastSyncError)
	assert.Equal(t, fixedNow, cursor(t, h.st))
}

func TestPartialBatchResponseOnlyMarksReportedIDs(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 3, "+1", 10)
	h.api.batchFn = func(batch []model.CallRecord) (remote.BatchResult, error) {
		return remote.BatchResult{
			SyncedIDs: []string{batch[0].CompositeID},
			Failed:    []remote.FailedItem{{CompositeID: batch[1].CompositeID, Error: "duplicate"}},
		}, nil
	}

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PushedNew)
	assert.Equal(t, 2, res.FailedCalls)

	second, err := h.st.GetCall(ctx, calls[1].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", second.LastSyncError)
	third, err := h.st.GetCall(ctx, calls[2].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, model.MetadataFailed, third.MetadataStatus)
	assert.Equal(t, "not acknowledged by server", third.LastSyncError)
}

func TestAtomicBatchAcknowledgementMarksAll(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	seedCalls(t, h.st, 3, "+1", 10)
	h.api.batchFn = func([]model.CallRecord) (remote.BatchResult, error) { return remote.BatchResult{}, nil }

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PushedNew)
}

func TestUnpairedAndUnavailableAreNoOps(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "not paired", res.Skipped)
	assert.Equal(t, 1, h.importer.runs)
	assert.Zero(t, h.api.configCalls)

	h.importer.available = false
	res, err = h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "call log unavailable", res.Skipped)
	assert.Equal(t, 1, h.importer.runs)
}

func TestImportFailureDoesNotAbortPass(t *testing.T) {
	h := newHarness(t, true)
	h.importer.err = errors.New("permission revoked")
	res, err := h.orch.RunSyncPass(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, fixedNow, cursor(t, h.st))
}

func TestTrackingDisabledStillFetchesConfig(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.st.SaveRemoteConfig(ctx, model.RemoteConfig{TrackingEnabled: false}))
	seedCalls(t, h.st, 1, "+1", 10)

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "tracking disabled", res.Skipped)
	assert.Equal(t, 1, h.api.configCalls)
	assert.Empty(t, h.api.batchSizes)
	assert.Empty(t, h.api.pullSince)

	s, err := h.st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.True(t, s.TrackingEnabled, "re-enablement is observed")
}

func TestConfigFailureKeepsLocalConfigAndEnforcesStartDate(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.api.cfgErr = errors.New("offline")
	_, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)

	h.api.cfgErr = nil
	h.api.cfg = model.RemoteConfig{TrackingEnabled: true, AllowTrackingStartChange: false, DefaultTrackingStart: 12345}
	_, err = h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	s, err := h.st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), s.TrackingStartMs)
}

func TestPersonPushPropagatesLabel(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	calls := seedCalls(t, h.st, 1, "+1", 10)
	require.NoError(t, h.st.UpdatePersonNote(ctx, "+1", "note", "vip"))

	res, err := h.orch.RunSyncPass(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PushedPersons)
	assert.Equal(t, []string{"+1"}, h.api.persons)

	got, err := h.st.GetCall(ctx, calls[0].CompositeID)
	require.NoError(t, err)
	assert.Equal(t, "vip", got.Label)
	pending, err := h.st.GetPendingPersonSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancellationPropagatesAndHoldsCursor(t *testing.T) {
	h := newHarness(t, true)
	h.api.blockPull = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := h.orch.RunSyncPass(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cursor(t, h.st))
}

func TestHeldLeaseSkipsPass(t *testing.T) {
	h := newHarness(t, true)
	mgr := lease.NewManager()
	_, release, err := mgr.Acquire(context.Background(), LeaseName, time.Minute)
	require.NoError(t, err)
	defer release()
	h.orch.opts.Lease = mgr

	res, err := h.orch.RunSyncPass(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "pass already running", res.Skipped)
	assert.Zero(t, h.importer.runs)
}

func TestProgressReported(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.RunSyncPass(context.Background(), true)
	require.NoError(t, err)
	entries := h.progress.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "Sync complete", entries[len(entries)-1].Message)
	for _, e := range entries {
		assert.NotEqual(t, "Importing call log", e.Message)
	}
}
