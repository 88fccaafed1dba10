package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsQuota(t *testing.T) {
	s := Settings{StorageUsedBytes: 100, StorageAllowedBytes: 100}
	assert.True(t, s.QuotaExhausted())

	s.StorageUsedBytes = 99
	assert.False(t, s.QuotaExhausted())

	s.StorageAllowedBytes = 0
	assert.False(t, s.QuotaExhausted(), "zero allowance is unlimited")
}

func TestSettingsPlanExpired(t *testing.T) {
	s := Settings{PlanExpiresAt: 1000}
	assert.True(t, s.PlanExpired(1000))
	assert.False(t, s.PlanExpired(999))
	assert.False(t, Settings{}.PlanExpired(1<<40))
}

func TestOutcomeAndCancellation(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFor(nil))
	assert.Equal(t, OutcomeRetry, OutcomeFor(errors.New("boom")))
	assert.True(t, IsCancellation(fmt.Errorf("upload: %w", context.Canceled)))
	assert.False(t, IsCancellation(errors.New("boom")))
}

func TestDigitsAndCallType(t *testing.T) {
	assert.Equal(t, "15551234567", Digits("+1 (555) 123-4567"))
	assert.True(t, CallIncoming.Connected())
	assert.False(t, CallMissed.Connected())
	assert.True(t, RecordingUploading.InFlight())
	assert.False(t, RecordingPending.InFlight())
}
