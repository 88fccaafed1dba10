// Package matcher reattaches on-disk recordings to calls by time and
// duration proximity. Each pass is a greedy chronological one-to-one
// assignment: earlier calls claim files first and a file is claimed once.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/model"
	"callsync/internal/progress"
)

const dayMs = 86_400_000

// Store is the call state the matcher reads and writes.
type Store interface {
	GetCallsForMatching(ctx context.Context) ([]model.CallRecord, error)
	UpdateRecordingPath(ctx context.Context, id string, path string) error
	UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error
}

// Files enumerates candidate recordings.
type Files interface {
	Scan(ctx context.Context) ([]model.RecordingSourceFile, error)
}

// Options tunes matching. Zero values fall back to defaults.
type Options struct {
	TimeTolerance     time.Duration
	DurationTolerance time.Duration
	// HintWindow bounds the time delta accepted when the file name names the caller.
	HintWindow    time.Duration
	ProgressEvery int
	Progress      progress.Reporter
	Metrics       *metrics.Metrics
	TriggerUpload func()
}

type Matcher struct {
	store Store
	files Files
	opts  Options
	log   *logger.Logger
}

func New(st Store, files Files, opts Options, log *logger.Logger) *Matcher {
	if opts.TimeTolerance <= 0 {
		opts.TimeTolerance = 5 * time.Minute
	}
	if opts.DurationTolerance <= 0 {
		opts.DurationTolerance = 15 * time.Second
	}
	if opts.HintWindow <= 0 {
		opts.HintWindow = 36 * time.Hour
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 40
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	return &Matcher{store: st, files: files, opts: opts, log: log.Named("matcher")}
}

type buckets map[int64][]*model.RecordingSourceFile

func bucketize(files []model.RecordingSourceFile) buckets {
	b := buckets{}
	for i := range files {
		f := &files[i]
		day := dayIndex(f.LastModifiedMs)
		b[day] = append(b[day], f)
	}
	return b
}

func dayIndex(ms int64) int64 {
	if ms < 0 {
		return (ms - dayMs + 1) / dayMs
	}
	return ms / dayMs
}

// around returns files from the call's day bucket and both neighbours.
func (b buckets) around(ms int64, consumed map[string]bool) []*model.RecordingSourceFile {
	day := dayIndex(ms)
	var out []*model.RecordingSourceFile
	for d := day - 1; d <= day+1; d++ {
		for _, f := range b[d] {
			if !consumed[f.AbsolutePath] {
				out = append(out, f)
			}
		}
	}
	return out
}

// RematchAll rescans every eligible call against every file on disk.
func (m *Matcher) RematchAll(ctx context.Context) (model.MatchResult, error) {
	var res model.MatchResult
	calls, err := m.store.GetCallsForMatching(ctx)
	if err != nil {
		return res, fmt.Errorf("load calls: %w", err)
	}
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].CallTimestamp < calls[j].CallTimestamp })
	files, err := m.files.Scan(ctx)
	if err != nil {
		return res, fmt.Errorf("scan recordings: %w", err)
	}
	res.Calls, res.Files = len(calls), len(files)

	index := bucketize(files)
	consumed := make(map[string]bool, len(files))
	// uploaded and in-flight calls keep their files
	for _, c := range calls {
		if pinned(c) && c.RecordingPath != "" {
			consumed[c.RecordingPath] = true
		}
	}
	for i, c := range calls {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && i%m.opts.ProgressEvery == 0 {
			m.opts.Progress.ReportProgress(float64(i)/float64(len(calls)), fmt.Sprintf("Matching recordings %d/%d", i, len(calls)))
		}
		if pinned(c) {
			continue
		}

		best := m.best(c, index.around(c.CallTimestamp, consumed))
		path := c.RecordingPath
		switch {
		case best != nil:
			path = best.AbsolutePath
		case path != "" && consumed[path]:
			// an earlier call claimed this call's old file
			path = ""
		}
		if path != "" {
			consumed[path] = true
		}
		if path == c.RecordingPath {
			continue
		}
		if err := m.store.UpdateRecordingPath(ctx, c.CompositeID, path); err != nil {
			return res, fmt.Errorf("update path %s: %w", c.CompositeID, err)
		}
		if path != "" && (c.RecordingStatus == model.RecordingNotFound || c.RecordingStatus == model.RecordingFailed) {
			if err := m.store.UpdateRecordingStatus(ctx, c.CompositeID, model.RecordingPending); err != nil {
				return res, err
			}
		}
		res.Changed++
	}

	m.opts.Progress.ReportProgress(1, "Matching complete")
	m.opts.Metrics.Rematched(res.Changed)
	if res.Changed > 0 && m.opts.TriggerUpload != nil {
		m.opts.TriggerUpload()
		res.UploadTriggered = true
	}
	m.log.Info("rematch finished", logger.Int("calls", res.Calls), logger.Int("files", res.Files), logger.Int("changed", res.Changed))
	return res, nil
}

func pinned(c model.CallRecord) bool {
	return c.RecordingStatus == model.RecordingCompleted || c.RecordingStatus.InFlight()
}

// Index is one scan of the recording directories, reused for many lookups.
type Index struct {
	m    *Matcher
	days buckets
}

// Snapshot scans the disk once. Lookups against the result never rescan.
func (m *Matcher) Snapshot(ctx context.Context) (*Index, error) {
	files, err := m.files.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan recordings: %w", err)
	}
	return &Index{m: m, days: bucketize(files)}, nil
}

// FindOne returns the best recording for a single call, or "" when nothing
// plausible exists.
func (ix *Index) FindOne(callDate time.Time, durationSec int, phone, contactName string) string {
	c := model.CallRecord{
		PhoneNumber:   phone,
		ContactName:   contactName,
		DurationSec:   durationSec,
		CallTimestamp: callDate.UnixMilli(),
	}
	best := ix.m.best(c, ix.days.around(c.CallTimestamp, nil))
	if best == nil {
		return ""
	}
	return best.AbsolutePath
}

// best scores candidates; lower is better. Files whose name names a
// different caller are rejected outright.
func (m *Matcher) best(c model.CallRecord, candidates []*model.RecordingSourceFile) *model.RecordingSourceFile {
	var winner *model.RecordingSourceFile
	var winnerScore float64
	for _, f := range candidates {
		score, ok := m.score(c, f)
		if !ok {
			continue
		}
		if winner == nil || score < winnerScore || (score == winnerScore && f.AbsolutePath < winner.AbsolutePath) {
			winner, winnerScore = f, score
		}
	}
	return winner
}

func (m *Matcher) score(c model.CallRecord, f *model.RecordingSourceFile) (float64, bool) {
	hinted := false
	if f.CallerHint != "" {
		if !hintMatches(f.CallerHint, c.PhoneNumber, c.ContactName) {
			return 0, false
		}
		hinted = true
	}

	delta := min(absMs(f.LastModifiedMs-c.EndTimestamp()), absMs(f.LastModifiedMs-c.CallTimestamp))
	limit := m.opts.TimeTolerance
	if hinted {
		limit = m.opts.HintWindow
	}
	if time.Duration(delta)*time.Millisecond > limit {
		return 0, false
	}

	durDelta := 0
	if f.DurationSec > 0 {
		durDelta = f.DurationSec - c.DurationSec
		if durDelta < 0 {
			durDelta = -durDelta
		}
		allowed := int(m.opts.DurationTolerance.Seconds()) + c.DurationSec/5
		if durDelta > allowed {
			return 0, false
		}
	}

	score := float64(delta)/1000 + float64(durDelta)*2
	if hinted {
		score -= 600
	}
	return score, true
}

func hintMatches(hint, phone, contactName string) bool {
	digits := model.Digits(phone)
	if model.Digits(hint) == hint {
		if len(digits) < 7 {
			return false
		}
		return strings.HasSuffix(hint, lastN(digits, 7)) || strings.HasSuffix(digits, lastN(hint, 7))
	}
	name := strings.ToLower(strings.TrimSpace(contactName))
	return name != "" && (strings.Contains(name, hint) || strings.Contains(hint, name))
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func absMs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
