// Package calllog imports the device call log into the local store.
package calllog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"callsync/internal/logger"
	"callsync/internal/model"
)

// Repository is the slice of the store the importer writes through.
type Repository interface {
	LoadSettings(ctx context.Context) (model.Settings, error)
	RecordImportedCalls(ctx context.Context, calls []model.CallRecord) (int, error)
	SetLastImported(ctx context.Context, ms int64) error
}

// Importer copies new call log entries into the store.
type Importer struct {
	src  Source
	repo Repository
	log  *logger.Logger
}

func NewImporter(src Source, repo Repository, log *logger.Logger) *Importer {
	return &Importer{src: src, repo: repo, log: log.Named("calllog")}
}

// Available reports call log read capability.
func (i *Importer) Available() bool {
	return i.src.Available()
}

// ImportFromSystemLog imports entries newer than the last import and not
// before the tracking start date. Returns the number of new calls.
func (i *Importer) ImportFromSystemLog(ctx context.Context) (int, error) {
	settings, err := i.repo.LoadSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	since := settings.LastImportedMs
	if settings.TrackingStartMs-1 > since {
		since = settings.TrackingStartMs - 1
	}

	entries, err := i.src.Read(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Date < entries[b].Date })

	calls := make([]model.CallRecord, 0, len(entries))
	latest := since
	for _, e := range entries {
		calls = append(calls, toCallRecord(e, settings.SimNumbers))
		if e.Date > latest {
			latest = e.Date
		}
	}

	n, err := i.repo.RecordImportedCalls(ctx, calls)
	if err != nil {
		return 0, fmt.Errorf("record calls: %w", err)
	}
	if err := i.repo.SetLastImported(ctx, latest); err != nil {
		return n, fmt.Errorf("store import watermark: %w", err)
	}
	i.log.Info("imported call log", logger.Int("read", len(entries)), logger.Int("new", n), logger.Int64("watermark", latest))
	return n, nil
}

func toCallRecord(e Entry, sims map[int]string) model.CallRecord {
	c := model.CallRecord{
		CompositeID:     CompositeID(e.Number, e.Date),
		PhoneNumber:     strings.TrimSpace(e.Number),
		ContactName:     strings.TrimSpace(e.Name),
		CallType:        parseType(e.Type),
		DurationSec:     e.DurationSec,
		CallTimestamp:   e.Date,
		MetadataStatus:  model.MetadataPending,
		RecordingStatus: model.RecordingNotApplicable,
	}
	if c.DurationSec < 0 {
		c.DurationSec = 0
	}
	if e.SubscriptionID != nil {
		slot := *e.SubscriptionID
		c.SimSlot = &slot
		c.DevicePhone = sims[slot]
	}
	return c
}

// CompositeID builds the stable call id from the number's digits and the call time.
func CompositeID(number string, tsMs int64) string {
	digits := model.Digits(number)
	if digits == "" {
		digits = "private"
	}
	return digits + "_" + strconv.FormatInt(tsMs, 10)
}

func parseType(v string) model.CallType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "incoming", "1":
		return model.CallIncoming
	case "outgoing", "2":
		return model.CallOutgoing
	case "rejected", "5":
		return model.CallRejected
	case "blocked", "6":
		return model.CallBlocked
	default:
		return model.CallMissed
	}
}
