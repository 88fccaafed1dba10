// Package backfill finds recordings left in flight by a process that died
// mid-upload and hands them back for another attempt.
package backfill

import (
	"context"
	"sort"
	"time"

	"callsync/internal/logger"
	"callsync/internal/model"
)

// Record is an in-flight recording considered for recovery.
type Record struct {
	CompositeID string
	Status      model.RecordingStatus
	UpdatedAt   time.Time
}

// Summary captures backfill execution metrics.
type Summary struct {
	TotalCandidates int `json:"total"`
	Fresh           int `json:"fresh"`
	Selected        int `json:"selected"`
	Requeued        int `json:"requeued"`
	RequeueFailed   int `json:"requeue_failed"`
}

// Repository describes the data source needed for backfill.
type Repository interface {
	ListInFlight(ctx context.Context) ([]Record, error)
	Requeue(ctx context.Context, rec Record) error
}

// SelectStale returns up to limit in-flight records, oldest first, whose
// last status change is older than staleAfter. A limit <= 0 means no limit.
func SelectStale(records []Record, now time.Time, staleAfter time.Duration, limit int) ([]Record, Summary) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	summary := Summary{TotalCandidates: len(records)}
	stale := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Status.InFlight() {
			continue
		}
		if now.Sub(r.UpdatedAt) < staleAfter {
			summary.Fresh++
			continue
		}
		stale = append(stale, r)
	}
	if limit > 0 && limit < len(stale) {
		stale = stale[:limit]
	}
	summary.Selected = len(stale)
	return stale, summary
}

// Run requeues every stale record. Requeue failures are counted, not fatal.
func Run(ctx context.Context, repo Repository, now time.Time, staleAfter time.Duration, log *logger.Logger) (Summary, error) {
	records, err := repo.ListInFlight(ctx)
	if err != nil {
		return Summary{}, err
	}

	selected, summary := SelectStale(records, now, staleAfter, 0)
	for _, rec := range selected {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := repo.Requeue(ctx, rec); err != nil {
			log.Warn("backfill requeue failed", logger.String("id", rec.CompositeID), logger.Error(err))
			summary.RequeueFailed++
			continue
		}
		summary.Requeued++
	}

	if summary.Selected > 0 {
		log.Info("backfill summary",
			logger.Int("total", summary.TotalCandidates),
			logger.Int("fresh", summary.Fresh),
			logger.Int("requeued", summary.Requeued),
			logger.Int("requeue_failed", summary.RequeueFailed))
	}
	return summary, nil
}
