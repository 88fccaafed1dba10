// Package model holds the records shared by the sync engine, the local
// store and the remote client. Timestamps are epoch milliseconds.
package model

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// CallType classifies a call log entry.
type CallType string

const (
	CallIncoming CallType = "incoming"
	CallOutgoing CallType = "outgoing"
	CallMissed   CallType = "missed"
	CallRejected CallType = "rejected"
	CallBlocked  CallType = "blocked"
)

// Connected reports whether the call could have produced a recording.
func (t CallType) Connected() bool {
	return t == CallIncoming || t == CallOutgoing
}

// MetadataStatus tracks push state of a call's metadata.
type MetadataStatus string

const (
	MetadataPending MetadataStatus = "PENDING"
	MetadataSynced  MetadataStatus = "SYNCED"
	MetadataFailed  MetadataStatus = "FAILED"
)

// RecordingStatus tracks upload state of a call's audio.
type RecordingStatus string

const (
	RecordingNotApplicable RecordingStatus = "NOT_APPLICABLE"
	RecordingPending       RecordingStatus = "PENDING"
	RecordingCompressing   RecordingStatus = "COMPRESSING"
	RecordingUploading     RecordingStatus = "UPLOADING"
	RecordingCompleted     RecordingStatus = "COMPLETED"
	RecordingNotFound      RecordingStatus = "NOT_FOUND"
	RecordingFailed        RecordingStatus = "FAILED"
)

// InFlight reports statuses that must never survive an interrupted pass.
func (s RecordingStatus) InFlight() bool {
	return s == RecordingUploading || s == RecordingCompressing
}

// CallRecord is one device call.
type CallRecord struct {
	CompositeID     string          `json:"composite_id"`
	PhoneNumber     string          `json:"phone_number"`
	ContactName     string          `json:"contact_name,omitempty"`
	CallType        CallType        `json:"call_type"`
	DurationSec     int             `json:"duration_sec"`
	CallTimestamp   int64           `json:"call_timestamp"`
	SimSlot         *int            `json:"sim_slot,omitempty"`
	DevicePhone     string          `json:"device_phone,omitempty"`
	MetadataStatus  MetadataStatus  `json:"metadata_status"`
	RecordingStatus RecordingStatus `json:"recording_status"`
	RecordingPath   string          `json:"recording_path,omitempty"`
	Note            string          `json:"note,omitempty"`
	Label           string          `json:"label,omitempty"`
	Reviewed        bool            `json:"reviewed"`
	LastSyncError   string          `json:"last_sync_error,omitempty"`
	ServerKnown     bool            `json:"server_known"`
	UpdatedAt       int64           `json:"updated_at"`

	// RecordingUpdatedAt is when RecordingStatus last changed.
	RecordingUpdatedAt int64 `json:"recording_updated_at"`
}

// EndTimestamp is the call timestamp plus its duration.
func (c CallRecord) EndTimestamp() int64 {
	return c.CallTimestamp + int64(c.DurationSec)*1000
}

// PersonRecord is one distinct phone number.
type PersonRecord struct {
	PhoneNumber         string `json:"phone_number"`
	Note                string `json:"note,omitempty"`
	Label               string `json:"label,omitempty"`
	ContactName         string `json:"contact_name,omitempty"`
	ExcludeFromSync     bool   `json:"exclude_from_sync"`
	ExcludeFromList     bool   `json:"exclude_from_list"`
	LastCallCompositeID string `json:"last_call_composite_id,omitempty"`
	PendingSync         bool   `json:"pending_sync"`
	UpdatedAt           int64  `json:"updated_at"`
}

// RecordingSourceFile is an audio file found on disk during one matcher pass.
type RecordingSourceFile struct {
	AbsolutePath   string
	LastModifiedMs int64
	DurationSec    int
	SizeBytes      int64
	CallerHint     string
}

// CallUpdate is a server-side change to a call record.
type CallUpdate struct {
	CompositeID string  `json:"composite_id"`
	Note        *string `json:"note,omitempty"`
	Label       *string `json:"label,omitempty"`
	Reviewed    *bool   `json:"reviewed,omitempty"`
	ContactName *string `json:"contact_name,omitempty"`
	UpdatedAt   int64   `json:"updated_at"`
}

// PersonUpdate is a server-side change to a person record.
type PersonUpdate struct {
	PhoneNumber     string  `json:"phone_number"`
	Note            *string `json:"note,omitempty"`
	Label           *string `json:"label,omitempty"`
	ContactName     *string `json:"contact_name,omitempty"`
	ExcludeFromSync *bool   `json:"exclude_from_sync,omitempty"`
	ExcludeFromList *bool   `json:"exclude_from_list,omitempty"`
	UpdatedAt       int64   `json:"updated_at"`
}

// RemoteConfig is the device configuration served by fetch_config.
type RemoteConfig struct {
	TrackingEnabled          bool     `json:"tracking_enabled"`
	RecordingEnabled         bool     `json:"recording_enabled"`
	RecordingEnabledSince    int64    `json:"recording_enabled_since"`
	ExcludedNumbers          []string `json:"excluded_numbers"`
	AllowTrackingStartChange bool     `json:"allow_tracking_start_change"`
	DefaultTrackingStart     int64    `json:"default_tracking_start"`
	PlanExpiresAt            int64    `json:"plan_expires_at"`
	StorageUsedBytes         int64    `json:"storage_used_bytes"`
	StorageAllowedBytes      int64    `json:"storage_allowed_bytes"`
}

// Settings is the locally persisted device state.
type Settings struct {
	OrgID                    string
	DeviceID                 string
	SimNumbers               map[int]string
	LastSyncMs               int64
	LastImportedMs           int64
	TrackingEnabled          bool
	RecordingEnabled         bool
	RecordingEnabledSince    int64
	TrackingStartMs          int64
	AllowTrackingStartChange bool
	PlanExpiresAt            int64
	StorageUsedBytes         int64
	StorageAllowedBytes      int64
}

// Paired reports whether the device has been linked to an organization.
func (s Settings) Paired() bool {
	return s.OrgID != "" && s.DeviceID != ""
}

// QuotaExhausted reports used/allowed >= 1. A zero allowance means unlimited.
func (s Settings) QuotaExhausted() bool {
	if s.StorageAllowedBytes <= 0 {
		return false
	}
	return float64(s.StorageUsedBytes)/float64(s.StorageAllowedBytes) >= 1.0
}

// PlanExpired reports whether the plan expiry has passed. Zero means no expiry.
func (s Settings) PlanExpired(nowMs int64) bool {
	return s.PlanExpiresAt > 0 && nowMs >= s.PlanExpiresAt
}

// Outcome is what a job reports back to the scheduler.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
)

// OutcomeFor maps a pass error onto a scheduler outcome. Every failure is retryable.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeRetry
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Digits strips a phone number down to its digits.
func Digits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
