package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"callsync/internal/model"
)

const callColumns = `composite_id, phone_number, contact_name, call_type, duration_sec, call_timestamp, sim_slot, device_phone,
	metadata_status, recording_status, recording_path, note, label, reviewed, last_sync_error, server_known, updated_at, recording_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (model.CallRecord, error) {
	var c model.CallRecord
	var sim sql.NullInt64
	var callType, meta, rec string
	var reviewed, known int
	err := row.Scan(&c.CompositeID, &c.PhoneNumber, &c.ContactName, &callType, &c.DurationSec, &c.CallTimestamp, &sim, &c.DevicePhone,
		&meta, &rec, &c.RecordingPath, &c.Note, &c.Label, &reviewed, &c.LastSyncError, &known, &c.UpdatedAt, &c.RecordingUpdatedAt)
	if err != nil {
		return c, err
	}
	c.CallType = model.CallType(callType)
	c.MetadataStatus = model.MetadataStatus(meta)
	c.RecordingStatus = model.RecordingStatus(rec)
	c.Reviewed = reviewed == 1
	c.ServerKnown = known == 1
	if sim.Valid {
		slot := int(sim.Int64)
		c.SimSlot = &slot
	}
	return c, nil
}

func (s *Store) queryCalls(ctx context.Context, where string, args ...any) ([]model.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var calls []model.CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GetCall loads one call by composite id.
func (s *Store) GetCall(ctx context.Context, id string) (model.CallRecord, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE composite_id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCalls returns the most recent calls first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]model.CallRecord, error) {
	return s.queryCalls(ctx, `ORDER BY call_timestamp DESC LIMIT ?`, limit)
}

// RecordImportedCalls inserts new calls, skipping ids already present, and
// upserts the person row of each number. Returns the number of calls inserted.
func (s *Store) RecordImportedCalls(ctx context.Context, calls []model.CallRecord) (int, error) {
	if len(calls) == 0 {
		return 0, nil
	}
	now := s.nowMs()
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range calls {
			var sim any
			if c.SimSlot != nil {
				sim = *c.SimSlot
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO calls(composite_id, phone_number, contact_name, call_type, duration_sec, call_timestamp, sim_slot, device_phone,
				metadata_status, recording_status, updated_at, recording_updated_at)
				VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
				ON CONFLICT(composite_id) DO NOTHING`,
				c.CompositeID, c.PhoneNumber, c.ContactName, string(c.CallType), c.DurationSec, c.CallTimestamp, sim, c.DevicePhone,
				string(model.MetadataPending), string(c.RecordingStatus), now, now)
			if err != nil {
				return fmt.Errorf("insert call %s: %w", c.CompositeID, err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				continue
			}
			inserted++
			_, err = tx.ExecContext(ctx, `INSERT INTO persons(phone_number, contact_name, last_call_composite_id, last_call_timestamp, updated_at)
				VALUES(?,?,?,?,?)
				ON CONFLICT(phone_number) DO UPDATE SET
					contact_name = CASE WHEN excluded.contact_name != '' THEN excluded.contact_name ELSE persons.contact_name END,
					last_call_composite_id = CASE WHEN excluded.last_call_timestamp >= persons.last_call_timestamp THEN excluded.last_call_composite_id ELSE persons.last_call_composite_id END,
					last_call_timestamp = MAX(excluded.last_call_timestamp, persons.last_call_timestamp)`,
				c.PhoneNumber, c.ContactName, c.CompositeID, c.CallTimestamp, now)
			if err != nil {
				return fmt.Errorf("upsert person %s: %w", c.PhoneNumber, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LatestCallTimestamp returns the newest imported call timestamp, or 0.
func (s *Store) LatestCallTimestamp(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(call_timestamp) FROM calls`).Scan(&ts); err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// GetPendingMetadataSync returns calls whose metadata must be pushed, oldest first.
func (s *Store) GetPendingMetadataSync(ctx context.Context) ([]model.CallRecord, error) {
	return s.queryCalls(ctx, `WHERE metadata_status IN (?, ?) ORDER BY call_timestamp ASC`,
		string(model.MetadataPending), string(model.MetadataFailed))
}

// MarkMetadataSynced marks a call as pushed and clears its error.
func (s *Store) MarkMetadataSynced(ctx context.Context, id string, serverTime int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET metadata_status=?, last_sync_error='', server_known=1, synced_at=? WHERE composite_id=?`,
		string(model.MetadataSynced), serverTime, id)
	return err
}

// UpdateMetadataStatus sets the metadata status of one call.
func (s *Store) UpdateMetadataStatus(ctx context.Context, id string, status model.MetadataStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET metadata_status=? WHERE composite_id=?`, string(status), id)
	return err
}

// UpdateSyncError stores msg as the call's last error; an empty msg clears it.
func (s *Store) UpdateSyncError(ctx context.Context, id string, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET last_sync_error=? WHERE composite_id=?`, msg, id)
	return err
}

// GetPendingRecordingSync returns calls waiting for upload, newest first.
func (s *Store) GetPendingRecordingSync(ctx context.Context) ([]model.CallRecord, error) {
	return s.queryCalls(ctx, `WHERE recording_status=? ORDER BY call_timestamp DESC`, string(model.RecordingPending))
}

// CountPendingRecordings returns how many calls wait for upload.
func (s *Store) CountPendingRecordings(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE recording_status=?`, string(model.RecordingPending)).Scan(&n)
	return n, err
}

// UpdateRecordingStatus sets the recording status of one call.
func (s *Store) UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET recording_status=?, recording_updated_at=? WHERE composite_id=?`,
		string(status), s.nowMs(), id)
	return err
}

// PromoteRecording queues a synced call's recording for upload. Only a
// NOT_APPLICABLE call with a duration whose number is not excluded moves to
// PENDING; the check and the write are one statement so a concurrent
// exclusion always wins.
func (s *Store) PromoteRecording(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET recording_status=?, recording_updated_at=?
		WHERE composite_id=? AND recording_status=? AND duration_sec > 0
			AND NOT EXISTS (SELECT 1 FROM persons WHERE persons.phone_number=calls.phone_number AND persons.exclude_from_sync=1)`,
		string(model.RecordingPending), s.nowMs(), id, string(model.RecordingNotApplicable))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRecordingFailed records an upload failure. Retryable failures go back
// to PENDING on the next RequeueRetryableRecordings.
func (s *Store) MarkRecordingFailed(ctx context.Context, id, msg string, retryable bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET recording_status=?, last_sync_error=?, recording_retry=?, recording_updated_at=? WHERE composite_id=?`,
		string(model.RecordingFailed), msg, boolInt(retryable), s.nowMs(), id)
	return err
}

// RequeueRetryableRecordings moves retryable FAILED recordings back to PENDING.
func (s *Store) RequeueRetryableRecordings(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET recording_status=?, recording_retry=0, recording_updated_at=? WHERE recording_status=? AND recording_retry=1`,
		string(model.RecordingPending), s.nowMs(), string(model.RecordingFailed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpdateRecordingPath attaches an on-disk audio file to a call.
func (s *Store) UpdateRecordingPath(ctx context.Context, id string, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET recording_path=? WHERE composite_id=?`, path, id)
	return err
}

// GetCallsForMatching returns connected calls with a duration, oldest first.
// Uploaded and in-flight calls are included so the matcher can reserve their files.
func (s *Store) GetCallsForMatching(ctx context.Context) ([]model.CallRecord, error) {
	return s.queryCalls(ctx, `WHERE duration_sec > 0 AND call_type IN (?, ?) ORDER BY call_timestamp ASC`,
		string(model.CallIncoming), string(model.CallOutgoing))
}

// GetInFlightRecordings returns calls left UPLOADING or COMPRESSING.
func (s *Store) GetInFlightRecordings(ctx context.Context) ([]model.CallRecord, error) {
	return s.queryCalls(ctx, `WHERE recording_status IN (?, ?)`,
		string(model.RecordingUploading), string(model.RecordingCompressing))
}

// IsRecordingPathAssigned reports whether any call other than exceptID already owns path.
func (s *Store) IsRecordingPathAssigned(ctx context.Context, path, exceptID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE recording_path=? AND composite_id != ?`, path, exceptID).Scan(&n)
	return n > 0, err
}

// UpdateCallNote records a local edit; the call is pushed again on the next pass.
func (s *Store) UpdateCallNote(ctx context.Context, id, note string, reviewed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET note=?, reviewed=?, metadata_status=?, updated_at=? WHERE composite_id=?`,
		note, boolInt(reviewed), string(model.MetadataPending), s.nowMs(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return nil
}

// ApplyServerCallUpdatesBatch applies pulled call changes in one transaction.
// A change only lands when its server timestamp is not older than the local row.
func (s *Store) ApplyServerCallUpdatesBatch(ctx context.Context, updates []model.CallUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	applied := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			var reviewed any
			if u.Reviewed != nil {
				reviewed = boolInt(*u.Reviewed)
			}
			res, err := tx.ExecContext(ctx, `UPDATE calls SET
					note = COALESCE(?, note),
					label = COALESCE(?, label),
					reviewed = COALESCE(?, reviewed),
					contact_name = COALESCE(?, contact_name),
					server_known = 1,
					updated_at = ?
				WHERE composite_id=? AND updated_at <= ?`,
				nullable(u.Note), nullable(u.Label), reviewed, nullable(u.ContactName), u.UpdatedAt, u.CompositeID, u.UpdatedAt)
			if err != nil {
				return fmt.Errorf("apply call %s: %w", u.CompositeID, err)
			}
			n, _ := res.RowsAffected()
			applied += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// StatusCounts returns call counts grouped by metadata and recording status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]map[string]int, error) {
	out := map[string]map[string]int{"metadata": {}, "recording": {}}
	for kind, col := range map[string]string{"metadata": "metadata_status", "recording": "recording_status"} {
		rows, err := s.db.QueryContext(ctx, `SELECT `+col+`, COUNT(*) FROM calls GROUP BY `+col)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, err
			}
			out[kind][status] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return strings.TrimSpace(*v)
}
