package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"callsync/internal/model"
)

const personColumns = `phone_number, note, label, contact_name, exclude_from_sync, exclude_from_list, last_call_composite_id, pending_sync, updated_at`

func scanPerson(row rowScanner) (model.PersonRecord, error) {
	var p model.PersonRecord
	var exSync, exList, pending int
	err := row.Scan(&p.PhoneNumber, &p.Note, &p.Label, &p.ContactName, &exSync, &exList, &p.LastCallCompositeID, &pending, &p.UpdatedAt)
	p.ExcludeFromSync = exSync == 1
	p.ExcludeFromList = exList == 1
	p.PendingSync = pending == 1
	return p, err
}

// GetPerson loads one person by phone number.
func (s *Store) GetPerson(ctx context.Context, phone string) (model.PersonRecord, error) {
	p, err := scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE phone_number=?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("person %s: %w", phone, ErrNotFound)
	}
	return p, err
}

// IsExcludedFromSync reports whether phone is on the exclusion list.
func (s *Store) IsExcludedFromSync(ctx context.Context, phone string) (bool, error) {
	var ex int
	err := s.db.QueryRowContext(ctx, `SELECT exclude_from_sync FROM persons WHERE phone_number=?`, phone).Scan(&ex)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return ex == 1, err
}

// GetPendingPersonSync returns persons with unpushed local edits.
func (s *Store) GetPendingPersonSync(ctx context.Context) ([]model.PersonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personColumns+` FROM persons WHERE pending_sync=1 ORDER BY phone_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PersonRecord
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePersonSyncStatus sets or clears the pending flag.
func (s *Store) UpdatePersonSyncStatus(ctx context.Context, phone string, pending bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE persons SET pending_sync=? WHERE phone_number=?`, boolInt(pending), phone)
	return err
}

// UpdatePersonNote records a local edit to a person and flags it for push.
func (s *Store) UpdatePersonNote(ctx context.Context, phone, note, label string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO persons(phone_number, note, label, pending_sync, updated_at) VALUES(?,?,?,1,?)
		ON CONFLICT(phone_number) DO UPDATE SET note=excluded.note, label=excluded.label, pending_sync=1, updated_at=excluded.updated_at`,
		phone, note, label, s.nowMs())
	return err
}

// ApplyPersonLabelToLastCall copies the person's label onto their most recent call.
func (s *Store) ApplyPersonLabelToLastCall(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET label = (SELECT label FROM persons WHERE phone_number=?)
		WHERE composite_id = (SELECT last_call_composite_id FROM persons WHERE phone_number=?)`, phone, phone)
	return err
}

// ApplyServerPersonUpdatesBatch applies pulled person changes in one transaction,
// last writer wins by server timestamp.
func (s *Store) ApplyServerPersonUpdatesBatch(ctx context.Context, updates []model.PersonUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	applied := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			cur, err := scanPerson(tx.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE phone_number=?`, u.PhoneNumber))
			switch {
			case errors.Is(err, sql.ErrNoRows):
				cur = model.PersonRecord{PhoneNumber: u.PhoneNumber}
			case err != nil:
				return err
			case cur.UpdatedAt > u.UpdatedAt:
				continue
			}
			wasExcluded := cur.ExcludeFromSync
			mergePerson(&cur, u)
			_, err = tx.ExecContext(ctx, `INSERT INTO persons(phone_number, note, label, contact_name, exclude_from_sync, exclude_from_list, updated_at)
				VALUES(?,?,?,?,?,?,?)
				ON CONFLICT(phone_number) DO UPDATE SET note=excluded.note, label=excluded.label, contact_name=excluded.contact_name,
					exclude_from_sync=excluded.exclude_from_sync, exclude_from_list=excluded.exclude_from_list, updated_at=excluded.updated_at`,
				cur.PhoneNumber, cur.Note, cur.Label, cur.ContactName, boolInt(cur.ExcludeFromSync), boolInt(cur.ExcludeFromList), u.UpdatedAt)
			if err != nil {
				return fmt.Errorf("apply person %s: %w", u.PhoneNumber, err)
			}
			if u.Label != nil {
				if _, err := tx.ExecContext(ctx, `UPDATE calls SET label=? WHERE composite_id=(SELECT last_call_composite_id FROM persons WHERE phone_number=?)`,
					cur.Label, cur.PhoneNumber); err != nil {
					return err
				}
			}
			if cur.ExcludeFromSync && !wasExcluded {
				if err := s.retireRecordings(ctx, tx, []string{cur.PhoneNumber}); err != nil {
					return err
				}
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func mergePerson(p *model.PersonRecord, u model.PersonUpdate) {
	if u.Note != nil {
		p.Note = *u.Note
	}
	if u.Label != nil {
		p.Label = *u.Label
	}
	if u.ContactName != nil {
		p.ContactName = *u.ContactName
	}
	if u.ExcludeFromSync != nil {
		p.ExcludeFromSync = *u.ExcludeFromSync
	}
	if u.ExcludeFromList != nil {
		p.ExcludeFromList = *u.ExcludeFromList
	}
}

// retireRecordings flips not-yet-uploaded recordings of the given numbers to NOT_APPLICABLE.
func (s *Store) retireRecordings(ctx context.Context, tx *sql.Tx, phones []string) error {
	now := s.nowMs()
	for _, phone := range phones {
		_, err := tx.ExecContext(ctx, `UPDATE calls SET recording_status=?, recording_updated_at=?
			WHERE phone_number=? AND recording_status IN (?, ?, ?)`,
			string(model.RecordingNotApplicable), now, phone,
			string(model.RecordingPending), string(model.RecordingFailed), string(model.RecordingNotFound))
		if err != nil {
			return fmt.Errorf("retire recordings %s: %w", phone, err)
		}
	}
	return nil
}

// ExcludedNumbers lists every number excluded from sync.
func (s *Store) ExcludedNumbers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone_number FROM persons WHERE exclude_from_sync=1 ORDER BY phone_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
