package syncer

import (
	"context"
	"fmt"

	"callsync/internal/logger"
	"callsync/internal/model"
	"callsync/internal/remote"
)

type pullStats struct {
	calls      int
	persons    int
	serverTime int64
}

type pushStats struct {
	fresh    int
	updates  int
	excluded int
	failed   int
	batches  int
}

// pull applies every server change since the cursor as one batch per kind.
func (o *Orchestrator) pull(ctx context.Context, since int64) (pullStats, error) {
	var st pullStats
	updates, err := o.api.FetchUpdates(ctx, since)
	if err != nil {
		return st, fmt.Errorf("fetch updates: %w", err)
	}
	st.serverTime = updates.ServerTime
	if st.calls, err = o.store.ApplyServerCallUpdatesBatch(ctx, updates.Calls); err != nil {
		return st, fmt.Errorf("apply call updates: %w", err)
	}
	if st.persons, err = o.store.ApplyServerPersonUpdatesBatch(ctx, updates.Persons); err != nil {
		return st, fmt.Errorf("apply person updates: %w", err)
	}
	return st, nil
}

// pushCalls sends pending calls. Excluded numbers are marked synced without
// a request, new calls go in batches, known or failed calls go one by one.
// Remote failures stay on the record; only cancellation and store errors abort.
func (o *Orchestrator) pushCalls(ctx context.Context) (pushStats, error) {
	var st pushStats
	pending, err := o.store.GetPendingMetadataSync(ctx)
	if err != nil {
		return st, fmt.Errorf("load pending calls: %w", err)
	}

	var fresh, updates []model.CallRecord
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		excluded, err := o.store.IsExcludedFromSync(ctx, c.PhoneNumber)
		if err != nil {
			return st, fmt.Errorf("exclusion lookup: %w", err)
		}
		if excluded {
			if err := o.store.MarkMetadataSynced(ctx, c.CompositeID, o.opts.Now().UnixMilli()); err != nil {
				return st, err
			}
			st.excluded++
			continue
		}
		if c.ServerKnown || c.MetadataStatus == model.MetadataFailed {
			updates = append(updates, c)
		} else {
			fresh = append(fresh, c)
		}
	}

	for start := 0; start < len(fresh); start += o.opts.BatchSize {
		end := min(start+o.opts.BatchSize, len(fresh))
		batch := fresh[start:end]
		st.batches++
		res, err := o.api.BatchSyncCalls(ctx, batch)
		if err != nil {
			if model.IsCancellation(err) {
				return st, err
			}
			o.log.Warn("batch push failed", logger.Int("size", len(batch)), logger.Error(err))
			for _, c := range batch {
				if err := o.markFailed(ctx, c, err.Error()); err != nil {
					return st, err
				}
			}
			st.failed += len(batch)
			continue
		}
		synced, failed, err := o.applyBatchResult(ctx, batch, res)
		if err != nil {
			return st, err
		}
		st.fresh += synced
		st.failed += failed
	}

	for _, c := range updates {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		serverTime, err := o.api.UpdateCall(ctx, c)
		if err != nil {
			if model.IsCancellation(err) {
				return st, err
			}
			if err := o.markFailed(ctx, c, err.Error()); err != nil {
				return st, err
			}
			st.failed++
			continue
		}
		if err := o.markSynced(ctx, c, serverTime); err != nil {
			return st, err
		}
		st.updates++
	}

	o.opts.Metrics.CallsPushed("new", st.fresh)
	o.opts.Metrics.CallsPushed("update", st.updates)
	o.opts.Metrics.CallsPushed("excluded", st.excluded)
	o.opts.Metrics.CallsPushed("failed", st.failed)
	return st, nil
}

// applyBatchResult marks what the server reported. A response carrying
// neither synced ids nor failures is an all-or-nothing acknowledgement.
// Ids the server left out of a partial answer are failed so they retry.
func (o *Orchestrator) applyBatchResult(ctx context.Context, batch []model.CallRecord, res remote.BatchResult) (synced, failed int, err error) {
	serverTime := res.ServerTime
	if serverTime == 0 {
		serverTime = o.opts.Now().UnixMilli()
	}
	if len(res.SyncedIDs) == 0 && len(res.Failed) == 0 {
		for _, c := range batch {
			if err := o.markSynced(ctx, c, serverTime); err != nil {
				return synced, failed, err
			}
			synced++
		}
		return synced, failed, nil
	}

	ok := make(map[string]bool, len(res.SyncedIDs))
	for _, id := range res.SyncedIDs {
		ok[id] = true
	}
	reasons := make(map[string]string, len(res.Failed))
	for _, f := range res.Failed {
		reasons[f.CompositeID] = f.Error
	}
	for _, c := range batch {
		if ok[c.CompositeID] {
			if err := o.markSynced(ctx, c, serverTime); err != nil {
				return synced, failed, err
			}
			synced++
			continue
		}
		reason, listed := reasons[c.CompositeID]
		if !listed || reason == "" {
			reason = "not acknowledged by server"
		}
		if err := o.markFailed(ctx, c, reason); err != nil {
			return synced, failed, err
		}
		failed++
	}
	return synced, failed, nil
}

func (o *Orchestrator) markSynced(ctx context.Context, c model.CallRecord, serverTime int64) error {
	if err := o.store.MarkMetadataSynced(ctx, c.CompositeID, serverTime); err != nil {
		return fmt.Errorf("mark %s synced: %w", c.CompositeID, err)
	}
	if _, err := o.store.PromoteRecording(ctx, c.CompositeID); err != nil {
		return fmt.Errorf("queue recording %s: %w", c.CompositeID, err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, c model.CallRecord, msg string) error {
	if err := o.store.UpdateMetadataStatus(ctx, c.CompositeID, model.MetadataFailed); err != nil {
		return fmt.Errorf("mark %s failed: %w", c.CompositeID, err)
	}
	return o.store.UpdateSyncError(ctx, c.CompositeID, msg)
}

// pushPersons sends pending person edits and mirrors the label onto each
// person's latest call.
func (o *Orchestrator) pushPersons(ctx context.Context) (int, error) {
	pending, err := o.store.GetPendingPersonSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending persons: %w", err)
	}
	pushed := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		if err := o.api.UpdatePerson(ctx, p); err != nil {
			if model.IsCancellation(err) {
				return pushed, err
			}
			o.log.Warn("person push failed", logger.String("phone", p.PhoneNumber), logger.Error(err))
			continue
		}
		if err := o.store.ApplyPersonLabelToLastCall(ctx, p.PhoneNumber); err != nil {
			return pushed, fmt.Errorf("propagate label: %w", err)
		}
		if err := o.store.UpdatePersonSyncStatus(ctx, p.PhoneNumber, false); err != nil {
			return pushed, fmt.Errorf("clear person pending: %w", err)
		}
		pushed++
	}
	return pushed, nil
}
