package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTPPort)
	assert.Equal(t, 100, cfg.Sync.PushBatchSize)
	assert.Equal(t, int64(1<<20), cfg.Sync.ChunkSizeBytes)
	assert.Equal(t, 10*time.Minute, cfg.Sync.MetadataLease)
	assert.Equal(t, 30*time.Minute, cfg.Sync.UploadLease)
	assert.Equal(t, 3*time.Hour, cfg.Sync.NotFoundGrace)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadStrictFailsOnMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STRICT_CONFIG", "true")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
db_path: /data/file.db
recordings_dirs: [/sdcard/Recordings, /sdcard/Call]
http_port: "9000"
api:
  base_url: https://file.example.com/
  timeout_sec: 12
sync:
  push_batch_size: 25
  upload_lease_min: 20
schedule:
  metadata: "@every 5m"
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DB_PATH", "/env/override.db")
	t.Setenv("API_BASE_URL", "https://env.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/env/override.db", cfg.DBPath)
	assert.Equal(t, []string{"/sdcard/Recordings", "/sdcard/Call"}, cfg.RecordingsDirs)
	assert.Equal(t, ":9000", cfg.HTTPPort)
	assert.Equal(t, "https://env.example.com", cfg.API.BaseURL)
	assert.Equal(t, 12*time.Second, cfg.API.Timeout)
	assert.Equal(t, 25, cfg.Sync.PushBatchSize)
	assert.Equal(t, 20*time.Minute, cfg.Sync.UploadLease)
	assert.Equal(t, "@every 5m", cfg.Schedule.Metadata)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Sync.PushBatchSize = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Schedule.Upload = "not a cron"
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.DBPath = " "
	assert.Error(t, Validate(cfg))

	assert.NoError(t, Validate(Defaults()))
}

func TestRecordingsDirsFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("RECORDINGS_DIRS", " /a , ,/b")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.RecordingsDirs)
}
