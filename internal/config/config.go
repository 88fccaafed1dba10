package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the sync engine.
type Config struct {
	DBPath          string
	CallLogPath     string
	RecordingsDirs  []string
	HTTPPort        string
	WatchRecordings bool
	StrictConfig    bool
	ConfigPath      string

	API      APIConfig
	Log      LogConfig
	Sync     SyncConfig
	Schedule ScheduleConfig

	// Warnings collects non-fatal problems found while loading; logged once the logger exists.
	Warnings []string
}

// APIConfig describes the remote sync endpoint.
type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SyncConfig carries the engine tunables.
type SyncConfig struct {
	MetadataLease          time.Duration
	UploadLease            time.Duration
	PushBatchSize          int
	StatusCheckLimit       int
	UploadMicroBatch       int
	ChunkSizeBytes         int64
	NotFoundGrace          time.Duration
	StaleUpload            time.Duration
	ProgressEvery          int
	MatchTimeTolerance     time.Duration
	MatchDurationTolerance time.Duration
	WorkerCount            int
	QueueSize              int
}

// ScheduleConfig holds cron expressions and retry backoff bounds.
type ScheduleConfig struct {
	Metadata       string
	Upload         string
	Rematch        string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type fileConfig struct {
	DBPath          string   `yaml:"db_path"`
	CallLogPath     string   `yaml:"call_log_path"`
	RecordingsDirs  []string `yaml:"recordings_dirs"`
	HTTPPort        string   `yaml:"http_port"`
	WatchRecordings *bool    `yaml:"watch_recordings"`
	API             struct {
		BaseURL    string `yaml:"base_url"`
		Token      string `yaml:"token"`
		TimeoutSec *int   `yaml:"timeout_sec"`
	} `yaml:"api"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  *int   `yaml:"max_size_mb"`
		MaxBackups *int   `yaml:"max_backups"`
		MaxAgeDays *int   `yaml:"max_age_days"`
	} `yaml:"log"`
	Sync     syncFileConfig `yaml:"sync"`
	Schedule struct {
		Metadata          string `yaml:"metadata"`
		Upload            string `yaml:"upload"`
		Rematch           string `yaml:"rematch"`
		BackoffInitialSec *int   `yaml:"backoff_initial_sec"`
		BackoffMaxSec     *int   `yaml:"backoff_max_sec"`
	} `yaml:"schedule"`
}

type syncFileConfig struct {
	MetadataLeaseMin          *int   `yaml:"metadata_lease_min"`
	UploadLeaseMin            *int   `yaml:"upload_lease_min"`
	PushBatchSize             *int   `yaml:"push_batch_size"`
	StatusCheckLimit          *int   `yaml:"status_check_limit"`
	UploadMicroBatch          *int   `yaml:"upload_micro_batch"`
	ChunkSizeBytes            *int64 `yaml:"chunk_size_bytes"`
	NotFoundGraceMin          *int   `yaml:"not_found_grace_min"`
	StaleUploadMin            *int   `yaml:"stale_upload_min"`
	ProgressEvery             *int   `yaml:"progress_every"`
	MatchTimeToleranceSec     *int   `yaml:"match_time_tolerance_sec"`
	MatchDurationToleranceSec *int   `yaml:"match_duration_tolerance_sec"`
	WorkerCount               *int   `yaml:"worker_count"`
	QueueSize                 *int   `yaml:"queue_size"`
}

const (
	defaultPort        = ":8090"
	defaultDBPath      = "runtime/callsync.db"
	defaultCallLogPath = "runtime/call_log.jsonl"
	defaultRecordings  = "runtime/recordings"
	defaultAPITimeout  = 30 * time.Second
)

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		DBPath:          defaultDBPath,
		CallLogPath:     defaultCallLogPath,
		RecordingsDirs:  []string{defaultRecordings},
		HTTPPort:        defaultPort,
		WatchRecordings: true,
		API:             APIConfig{Timeout: defaultAPITimeout},
		Log:             LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			MetadataLease:          10 * time.Minute,
			UploadLease:            30 * time.Minute,
			PushBatchSize:          100,
			StatusCheckLimit:       50,
			UploadMicroBatch:       5,
			ChunkSizeBytes:         1 << 20,
			NotFoundGrace:          3 * time.Hour,
			StaleUpload:            45 * time.Minute,
			ProgressEvery:          40,
			MatchTimeTolerance:     5 * time.Minute,
			MatchDurationTolerance: 15 * time.Second,
			WorkerCount:            3,
			QueueSize:              16,
		},
		Schedule: ScheduleConfig{
			Metadata:       "*/15 * * * *",
			Upload:         "*/30 * * * *",
			Rematch:        "0 */6 * * *",
			BackoffInitial: 30 * time.Second,
			BackoffMax:     5 * time.Hour,
		},
	}
}

// Load reads .env, then the yaml file at CONFIG_PATH, then environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	cfg.StrictConfig = parseBoolEnv("STRICT_CONFIG", false)
	cfg.ConfigPath = getEnv("CONFIG_PATH", filepath.Join("config", "callsync.yaml"))

	fileCfg, err := loadFileConfig(cfg.ConfigPath)
	if err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, err)
		}
		cfg.warn("config load failed (%s): %v (using defaults)", cfg.ConfigPath, err)
	}
	applyFile(&cfg, fileCfg)

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if len(data) == 0 {
		return fc, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	cfg.DBPath = firstNonEmpty(fc.DBPath, cfg.DBPath)
	cfg.CallLogPath = firstNonEmpty(fc.CallLogPath, cfg.CallLogPath)
	if len(fc.RecordingsDirs) > 0 {
		cfg.RecordingsDirs = fc.RecordingsDirs
	}
	cfg.HTTPPort = firstNonEmpty(fc.HTTPPort, cfg.HTTPPort)
	if fc.WatchRecordings != nil {
		cfg.WatchRecordings = *fc.WatchRecordings
	}

	cfg.API.BaseURL = firstNonEmpty(fc.API.BaseURL, cfg.API.BaseURL)
	cfg.API.Token = firstNonEmpty(fc.API.Token, cfg.API.Token)
	setSeconds(&cfg.API.Timeout, fc.API.TimeoutSec)

	cfg.Log.Level = firstNonEmpty(fc.Log.Level, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(fc.Log.Format, cfg.Log.Format)
	cfg.Log.File = firstNonEmpty(fc.Log.File, cfg.Log.File)
	setInt(&cfg.Log.MaxSizeMB, fc.Log.MaxSizeMB)
	setInt(&cfg.Log.MaxBackups, fc.Log.MaxBackups)
	setInt(&cfg.Log.MaxAgeDays, fc.Log.MaxAgeDays)

	s := fc.Sync
	setMinutes(&cfg.Sync.MetadataLease, s.MetadataLeaseMin)
	setMinutes(&cfg.Sync.UploadLease, s.UploadLeaseMin)
	setInt(&cfg.Sync.PushBatchSize, s.PushBatchSize)
	setInt(&cfg.Sync.StatusCheckLimit, s.StatusCheckLimit)
	setInt(&cfg.Sync.UploadMicroBatch, s.UploadMicroBatch)
	if s.ChunkSizeBytes != nil {
		cfg.Sync.ChunkSizeBytes = *s.ChunkSizeBytes
	}
	setMinutes(&cfg.Sync.NotFoundGrace, s.NotFoundGraceMin)
	setMinutes(&cfg.Sync.StaleUpload, s.StaleUploadMin)
	setInt(&cfg.Sync.ProgressEvery, s.ProgressEvery)
	setSeconds(&cfg.Sync.MatchTimeTolerance, s.MatchTimeToleranceSec)
	setSeconds(&cfg.Sync.MatchDurationTolerance, s.MatchDurationToleranceSec)
	setInt(&cfg.Sync.WorkerCount, s.WorkerCount)
	setInt(&cfg.Sync.QueueSize, s.QueueSize)

	cfg.Schedule.Metadata = firstNonEmpty(fc.Schedule.Metadata, cfg.Schedule.Metadata)
	cfg.Schedule.Upload = firstNonEmpty(fc.Schedule.Upload, cfg.Schedule.Upload)
	cfg.Schedule.Rematch = firstNonEmpty(fc.Schedule.Rematch, cfg.Schedule.Rematch)
	setSeconds(&cfg.Schedule.BackoffInitial, fc.Schedule.BackoffInitialSec)
	setSeconds(&cfg.Schedule.BackoffMax, fc.Schedule.BackoffMaxSec)
}

func applyEnv(cfg *Config) error {
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), cfg.DBPath)
	cfg.CallLogPath = firstNonEmpty(os.Getenv("CALL_LOG_PATH"), cfg.CallLogPath)
	if v := os.Getenv("RECORDINGS_DIRS"); v != "" {
		cfg.RecordingsDirs = splitList(v)
	}
	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), cfg.HTTPPort)
	cfg.WatchRecordings = parseBoolEnv("WATCH_RECORDINGS", cfg.WatchRecordings)

	cfg.API.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("API_BASE_URL"), cfg.API.BaseURL), "/")
	cfg.API.Token = firstNonEmpty(os.Getenv("API_TOKEN"), cfg.API.Token)
	if v, ok, err := parseIntEnv("API_TIMEOUT_SEC"); err != nil {
		if cfg.StrictConfig {
			return fmt.Errorf("invalid API_TIMEOUT_SEC: %w", err)
		}
		cfg.warn("invalid API_TIMEOUT_SEC: %v (using %s)", err, cfg.API.Timeout)
	} else if ok && v > 0 {
		cfg.API.Timeout = time.Duration(v) * time.Second
	}

	cfg.Log.Level = firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(os.Getenv("LOG_FORMAT"), cfg.Log.Format)
	cfg.Log.File = firstNonEmpty(os.Getenv("LOG_FILE"), cfg.Log.File)

	if v, ok, err := parseIntEnv("WORKER_COUNT"); err != nil {
		cfg.warn("invalid WORKER_COUNT: %v (using %d)", err, cfg.Sync.WorkerCount)
	} else if ok && v > 0 {
		cfg.Sync.WorkerCount = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	if cfg.Sync.MetadataLease <= 0 || cfg.Sync.UploadLease <= 0 {
		return errors.New("lease durations must be positive")
	}
	for name, v := range map[string]int{
		"push_batch_size":    cfg.Sync.PushBatchSize,
		"status_check_limit": cfg.Sync.StatusCheckLimit,
		"upload_micro_batch": cfg.Sync.UploadMicroBatch,
		"progress_every":     cfg.Sync.ProgressEvery,
		"worker_count":       cfg.Sync.WorkerCount,
		"queue_size":         cfg.Sync.QueueSize,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Sync.ChunkSizeBytes <= 0 {
		return errors.New("chunk_size_bytes must be positive")
	}
	if cfg.Schedule.BackoffInitial <= 0 || cfg.Schedule.BackoffMax < cfg.Schedule.BackoffInitial {
		return errors.New("backoff bounds are invalid")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"metadata": cfg.Schedule.Metadata,
		"upload":   cfg.Schedule.Upload,
		"rematch":  cfg.Schedule.Rematch,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseIntEnv(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

func setMinutes(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Minute
	}
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
