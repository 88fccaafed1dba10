package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"callsync/internal/model"
)

const (
	keyOrgID                 = "org_id"
	keyDeviceID              = "device_id"
	keySimNumbers            = "sim_numbers"
	keyLastSync              = "last_sync_ms"
	keyLastImported          = "last_imported_ms"
	keyTrackingEnabled       = "tracking_enabled"
	keyRecordingEnabled      = "recording_enabled"
	keyRecordingSince        = "recording_enabled_since"
	keyTrackingStart         = "tracking_start_ms"
	keyAllowTrackingStartChg = "allow_tracking_start_change"
	keyPlanExpires           = "plan_expires_at"
	keyStorageUsed           = "storage_used_bytes"
	keyStorageAllowed        = "storage_allowed_bytes"
)

// LoadSettings reads every persisted setting. Missing keys take zero values,
// except tracking which defaults to enabled.
func (s *Store) LoadSettings(ctx context.Context) (model.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return model.Settings{}, err
	}
	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return model.Settings{}, err
		}
		kv[k] = v
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return model.Settings{}, err
	}

	st := model.Settings{
		OrgID:                    kv[keyOrgID],
		DeviceID:                 kv[keyDeviceID],
		LastSyncMs:               parseInt64(kv[keyLastSync]),
		LastImportedMs:           parseInt64(kv[keyLastImported]),
		TrackingEnabled:          parseBool(kv[keyTrackingEnabled], true),
		RecordingEnabled:         parseBool(kv[keyRecordingEnabled], false),
		RecordingEnabledSince:    parseInt64(kv[keyRecordingSince]),
		TrackingStartMs:          parseInt64(kv[keyTrackingStart]),
		AllowTrackingStartChange: parseBool(kv[keyAllowTrackingStartChg], true),
		PlanExpiresAt:            parseInt64(kv[keyPlanExpires]),
		StorageUsedBytes:         parseInt64(kv[keyStorageUsed]),
		StorageAllowedBytes:      parseInt64(kv[keyStorageAllowed]),
		SimNumbers:               map[int]string{},
	}
	if raw := kv[keySimNumbers]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.SimNumbers); err != nil {
			return st, fmt.Errorf("decode sim numbers: %w", err)
		}
	}
	return st, nil
}

func (s *Store) setValues(ctx context.Context, kv map[string]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setValuesTx(ctx, tx, kv)
	})
}

func setValuesTx(ctx context.Context, tx *sql.Tx, kv map[string]string) error {
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// SetPairing stores the organization and device identifiers.
func (s *Store) SetPairing(ctx context.Context, orgID, deviceID string) error {
	return s.setValues(ctx, map[string]string{keyOrgID: orgID, keyDeviceID: deviceID})
}

// SetSimNumbers stores the SIM slot to phone number mapping.
func (s *Store) SetSimNumbers(ctx context.Context, sims map[int]string) error {
	raw, err := json.Marshal(sims)
	if err != nil {
		return err
	}
	return s.setValues(ctx, map[string]string{keySimNumbers: string(raw)})
}

// AdvanceSyncCursor moves the cursor forward; older values are ignored.
func (s *Store) AdvanceSyncCursor(ctx context.Context, ms int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(settings.value AS INTEGER)`, keyLastSync, strconv.FormatInt(ms, 10))
	return err
}

// ResetSyncCursor rewinds the cursor to zero, forcing a full pull.
func (s *Store) ResetSyncCursor(ctx context.Context) error {
	return s.setValues(ctx, map[string]string{keyLastSync: "0"})
}

// SetLastImported records the newest call timestamp read from the system log.
func (s *Store) SetLastImported(ctx context.Context, ms int64) error {
	return s.setValues(ctx, map[string]string{keyLastImported: strconv.FormatInt(ms, 10)})
}

// SetTrackingStart sets the tracking start date.
func (s *Store) SetTrackingStart(ctx context.Context, ms int64) error {
	return s.setValues(ctx, map[string]string{keyTrackingStart: strconv.FormatInt(ms, 10)})
}

// SaveRemoteConfig persists fetched configuration and applies the exclusion
// list. The list is authoritative: numbers missing from it are re-included.
func (s *Store) SaveRemoteConfig(ctx context.Context, cfg model.RemoteConfig) error {
	now := s.nowMs()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := setValuesTx(ctx, tx, map[string]string{
			keyTrackingEnabled:       strconv.FormatBool(cfg.TrackingEnabled),
			keyRecordingEnabled:      strconv.FormatBool(cfg.RecordingEnabled),
			keyRecordingSince:        strconv.FormatInt(cfg.RecordingEnabledSince, 10),
			keyAllowTrackingStartChg: strconv.FormatBool(cfg.AllowTrackingStartChange),
			keyPlanExpires:           strconv.FormatInt(cfg.PlanExpiresAt, 10),
			keyStorageUsed:           strconv.FormatInt(cfg.StorageUsedBytes, 10),
			keyStorageAllowed:        strconv.FormatInt(cfg.StorageAllowedBytes, 10),
		})
		if err != nil {
			return err
		}

		listed := make(map[string]bool, len(cfg.ExcludedNumbers))
		var newlyExcluded []string
		for _, phone := range cfg.ExcludedNumbers {
			if phone == "" || listed[phone] {
				continue
			}
			listed[phone] = true
			res, err := tx.ExecContext(ctx, `INSERT INTO persons(phone_number, exclude_from_sync, updated_at) VALUES(?, 1, ?)
				ON CONFLICT(phone_number) DO UPDATE SET exclude_from_sync=1 WHERE persons.exclude_from_sync=0`, phone, now)
			if err != nil {
				return fmt.Errorf("exclude %s: %w", phone, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				newlyExcluded = append(newlyExcluded, phone)
			}
		}
		if err := s.retireRecordings(ctx, tx, newlyExcluded); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT phone_number FROM persons WHERE exclude_from_sync=1`)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var phone string
			if err := rows.Scan(&phone); err != nil {
				rows.Close()
				return err
			}
			if !listed[phone] {
				stale = append(stale, phone)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		for _, phone := range stale {
			if _, err := tx.ExecContext(ctx, `UPDATE persons SET exclude_from_sync=0 WHERE phone_number=?`, phone); err != nil {
				return err
			}
		}
		return nil
	})
}

func parseInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
