package matcher

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"callsync/internal/logger"
	"callsync/internal/model"
	"callsync/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	calls map[string]*model.CallRecord
}

func newMemStore(calls ...model.CallRecord) *memStore {
	s := &memStore{calls: map[string]*model.CallRecord{}}
	for i := range calls {
		c := calls[i]
		s.calls[c.CompositeID] = &c
	}
	return s
}

func (s *memStore) GetCallsForMatching(ctx context.Context) ([]model.CallRecord, error) {
	var out []model.CallRecord
	for _, c := range s.calls {
		if c.DurationSec > 0 && c.CallType.Connected() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompositeID < out[j].CompositeID })
	return out, nil
}

func (s *memStore) UpdateRecordingPath(ctx context.Context, id, path string) error {
	s.calls[id].RecordingPath = path
	return nil
}

func (s *memStore) UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error {
	s.calls[id].RecordingStatus = status
	return nil
}

type staticFiles []model.RecordingSourceFile

func (f staticFiles) Scan(ctx context.Context) ([]model.RecordingSourceFile, error) {
	return append([]model.RecordingSourceFile(nil), f...), nil
}

var base = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli()

func mkCall(id string, ts int64, dur int) model.CallRecord {
	return model.CallRecord{
		CompositeID:     id,
		PhoneNumber:     "+15551234567",
		CallType:        model.CallIncoming,
		DurationSec:     dur,
		CallTimestamp:   ts,
		RecordingStatus: model.RecordingPending,
	}
}

func newMatcher(st Store, files Files, opts Options) *Matcher {
	return New(st, files, opts, logger.NewNop())
}

func TestCrossMidnightFileFoundInNextDayBucket(t *testing.T) {
	callStart := base - 2*60*1000 // 23:58 the day before
	st := newMemStore(mkCall("a", callStart, 120))
	files := staticFiles{{AbsolutePath: "/rec/0001.m4a", LastModifiedMs: base + 90*1000}}
	require.NotEqual(t, dayIndex(callStart), dayIndex(files[0].LastModifiedMs))

	triggered := 0
	m := newMatcher(st, files, Options{TriggerUpload: func() { triggered++ }})
	res, err := m.RematchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, "/rec/0001.m4a", st.calls["a"].RecordingPath)
	assert.Equal(t, 1, triggered)
	assert.True(t, res.UploadTriggered)
}

func TestFileFarOutsideWindowIsIgnored(t *testing.T) {
	st := newMemStore(mkCall("a", base, 60))
	files := staticFiles{{AbsolutePath: "/rec/late.m4a", LastModifiedMs: base + 2*dayMs + 60_000}}
	res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
	assert.Empty(t, st.calls["a"].RecordingPath)
}

func TestEachFileMatchedAtMostOnce(t *testing.T) {
	st := newMemStore(
		mkCall("a", base, 60),
		mkCall("b", base+90_000, 60),
		mkCall("c", base+200_000, 30),
	)
	files := staticFiles{
		{AbsolutePath: "/rec/one.m4a", LastModifiedMs: base + 61_000},
		{AbsolutePath: "/rec/two.m4a", LastModifiedMs: base + 151_000},
	}
	res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)

	seen := map[string]string{}
	for id, c := range st.calls {
		if c.RecordingPath == "" {
			continue
		}
		owner, dup := seen[c.RecordingPath]
		assert.False(t, dup, "file %s matched to %s and %s", c.RecordingPath, owner, id)
		seen[c.RecordingPath] = id
	}
	assert.Equal(t, "/rec/one.m4a", st.calls["a"].RecordingPath)
	assert.Equal(t, "/rec/two.m4a", st.calls["b"].RecordingPath)
	assert.Equal(t, 2, res.Changed)
}

func TestEarlierCallWinsAndStalePathIsCleared(t *testing.T) {
	later := mkCall("b", base+30_000, 40)
	later.RecordingPath = "/rec/shared.m4a"
	st := newMemStore(mkCall("a", base, 40), later)
	files := staticFiles{{AbsolutePath: "/rec/shared.m4a", LastModifiedMs: base + 45_000}}

	res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/rec/shared.m4a", st.calls["a"].RecordingPath)
	assert.Empty(t, st.calls["b"].RecordingPath)
	assert.Equal(t, 2, res.Changed)
}

func TestCallerHintSteersAndRejects(t *testing.T) {
	other := mkCall("a", base, 60)
	st := newMemStore(other)
	files := staticFiles{
		{AbsolutePath: "/rec/close-but-other.m4a", LastModifiedMs: base + 60_000, CallerHint: "15559999999"},
		{AbsolutePath: "/rec/named.m4a", LastModifiedMs: base + 6*3600_000, CallerHint: "15551234567"},
	}
	_, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/rec/named.m4a", st.calls["a"].RecordingPath)
}

func TestDurationMismatchRejected(t *testing.T) {
	st := newMemStore(mkCall("a", base, 60))
	files := staticFiles{{AbsolutePath: "/rec/long.wav", LastModifiedMs: base + 60_000, DurationSec: 600}}
	res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
}

func TestNotFoundBecomesPendingWhenFileAppears(t *testing.T) {
	c := mkCall("a", base, 60)
	c.RecordingStatus = model.RecordingNotFound
	st := newMemStore(c)
	files := staticFiles{{AbsolutePath: "/rec/a.m4a", LastModifiedMs: base + 61_000}}
	_, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RecordingPending, st.calls["a"].RecordingStatus)
}

func TestProgressEveryFortyCallsAndNoTriggerWithoutChanges(t *testing.T) {
	var calls []model.CallRecord
	for i := 0; i < 100; i++ {
		calls = append(calls, mkCall(fmt.Sprintf("c%03d", i), base+int64(i)*3600_000, 30))
	}
	rec := &progress.Recorder{}
	triggered := 0
	m := newMatcher(newMemStore(calls...), staticFiles{}, Options{Progress: rec, TriggerUpload: func() { triggered++ }})
	res, err := m.RematchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, res.Calls)

	entries := rec.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Matching recordings 40/100", entries[0].Message)
	assert.Equal(t, "Matching recordings 80/100", entries[1].Message)
	assert.Zero(t, triggered)
}

type countingFiles struct {
	staticFiles
	scans int
}

func (f *countingFiles) Scan(ctx context.Context) ([]model.RecordingSourceFile, error) {
	f.scans++
	return f.staticFiles.Scan(ctx)
}

func TestSnapshotServesManyLookupsFromOneScan(t *testing.T) {
	files := &countingFiles{staticFiles: staticFiles{
		{AbsolutePath: "/rec/x.m4a", LastModifiedMs: base + 125_000},
		{AbsolutePath: "/rec/y.m4a", LastModifiedMs: base + 10*60_000},
	}}
	m := newMatcher(newMemStore(), files, Options{})
	ix, err := m.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/rec/x.m4a", ix.FindOne(time.UnixMilli(base), 120, "+15551234567", "Ann"))
	assert.Equal(t, "/rec/y.m4a", ix.FindOne(time.UnixMilli(base+8*60_000), 120, "+15551234567", ""))
	assert.Empty(t, ix.FindOne(time.UnixMilli(base+5*dayMs), 120, "+1", ""))
	assert.Equal(t, 1, files.scans)
}

func TestKeptPathIsNotClaimedAgain(t *testing.T) {
	holder := mkCall("c", base, 30)
	holder.RecordingPath = "/rec/q.m4a"
	later := mkCall("d", base+60_000, 300)
	st := newMemStore(holder, later)
	// fits the later call far better, but the earlier call keeps it
	files := staticFiles{{AbsolutePath: "/rec/q.m4a", LastModifiedMs: base + 360_000, DurationSec: 300}}

	_, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/rec/q.m4a", st.calls["c"].RecordingPath)
	assert.Empty(t, st.calls["d"].RecordingPath)
}

func TestUploadedAndInFlightFilesStayWithTheirCalls(t *testing.T) {
	for _, status := range []model.RecordingStatus{model.RecordingCompleted, model.RecordingUploading, model.RecordingCompressing} {
		t.Run(string(status), func(t *testing.T) {
			owner := mkCall("a", base+2*60_000, 120)
			owner.RecordingStatus = status
			owner.RecordingPath = "/rec/p.m4a"
			earlier := mkCall("b", base, 120)
			st := newMemStore(owner, earlier)
			files := staticFiles{{AbsolutePath: "/rec/p.m4a", LastModifiedMs: base + 120_000}}

			res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
			require.NoError(t, err)

			assert.Zero(t, res.Changed)
			assert.Equal(t, "/rec/p.m4a", st.calls["a"].RecordingPath)
			assert.Equal(t, status, st.calls["a"].RecordingStatus)
			assert.Empty(t, st.calls["b"].RecordingPath)
			assert.Equal(t, model.RecordingPending, st.calls["b"].RecordingStatus)
		})
	}
}

func TestPinnedCallWithoutPathIsLeftAlone(t *testing.T) {
	done := mkCall("a", base, 120)
	done.RecordingStatus = model.RecordingCompleted
	st := newMemStore(done)
	files := staticFiles{{AbsolutePath: "/rec/z.m4a", LastModifiedMs: base + 120_000}}

	res, err := newMatcher(st, files, Options{}).RematchAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
	assert.Empty(t, st.calls["a"].RecordingPath)
}

func TestHintMatches(t *testing.T) {
	assert.True(t, hintMatches("5551234567", "+1 555 123 4567", ""))
	assert.False(t, hintMatches("5550000000", "+1 555 123 4567", ""))
	assert.True(t, hintMatches("ann", "+1", "Ann Lee"))
	assert.False(t, hintMatches("bob", "+1", "Ann Lee"))
	assert.False(t, hintMatches("bob", "+1", ""))
}
