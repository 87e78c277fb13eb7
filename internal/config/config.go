package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	BodyLimitBytes int    `yaml:"bodyLimitBytes"`
}

type LimitsConfig struct {
	MaxFileSizeBytes int64 `yaml:"maxFileSizeBytes"`
}

type WorkerConfig struct {
	JobTimeoutSeconds       int     `yaml:"jobTimeoutSeconds"`
	RetryLimit              int     `yaml:"retryLimit"`
	RetryBackoffBaseSeconds float64 `yaml:"retryBackoffBaseSeconds"`
}

// RetentionConfig controls how long results of terminal jobs are kept
// before their files are purged and the record is evicted.
type RetentionConfig struct {
	ResultRetentionSeconds int `yaml:"resultRetentionSeconds"`
	CleanupIntervalSeconds int `yaml:"cleanupIntervalSeconds"`
}

type BroadcastConfig struct {
	MaxSubscribersPerJob int `yaml:"maxSubscribersPerJob"`
	BufferSize           int `yaml:"bufferSize"`
}

// StorageConfig selects where job files live and which backend, if any,
// mirrors job records for crash recovery.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
	Backend string `yaml:"backend"` // memory | postgres | redis
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	SubmitPerMinute int `yaml:"submitPerMinute"`
}

type ConverterConfig struct {
	FFmpegPath string `yaml:"ffmpegPath"`
}

type EngineConfig struct {
	WhisperPath  string   `yaml:"whisperPath"`
	ModelDir     string   `yaml:"modelDir"`
	DefaultModel string   `yaml:"defaultModel"`
	Models       []string `yaml:"models"`
	Threads      int      `yaml:"threads"`
}

// AcceleratorConfig enables GPU detection through nvidia-smi at startup
// and in the deep health check.
type AcceleratorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NvidiaSMIPath string `yaml:"nvidiaSmiPath"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Worker      WorkerConfig      `yaml:"worker"`
	Retention   RetentionConfig   `yaml:"retention"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Converter   ConverterConfig   `yaml:"converter"`
	Engine      EngineConfig      `yaml:"engine"`
	Accelerator AcceleratorConfig `yaml:"accelerator"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and exits the process when the file is unusable.
func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	return cfg
}

// Parse decodes YAML config bytes and applies environment overrides and
// defaults. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Limits.MaxFileSizeBytes <= 0 {
		cfg.Limits.MaxFileSizeBytes = 500 << 20
	}
	if cfg.Server.BodyLimitBytes <= 0 {
		// Multipart framing adds a little on top of the file itself.
		cfg.Server.BodyLimitBytes = int(cfg.Limits.MaxFileSizeBytes) + 1<<20
	}
	if cfg.Worker.JobTimeoutSeconds <= 0 {
		cfg.Worker.JobTimeoutSeconds = 3600
	}
	if cfg.Worker.RetryLimit < 0 {
		cfg.Worker.RetryLimit = 0
	}
	if cfg.Worker.RetryBackoffBaseSeconds <= 0 {
		cfg.Worker.RetryBackoffBaseSeconds = 1
	}
	if cfg.Retention.ResultRetentionSeconds <= 0 {
		cfg.Retention.ResultRetentionSeconds = 24 * 3600
	}
	if cfg.Retention.CleanupIntervalSeconds <= 0 {
		cfg.Retention.CleanupIntervalSeconds = 300
	}
	if cfg.Broadcast.MaxSubscribersPerJob <= 0 {
		cfg.Broadcast.MaxSubscribersPerJob = 16
	}
	if cfg.Broadcast.BufferSize <= 0 {
		cfg.Broadcast.BufferSize = 64
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Converter.FFmpegPath == "" {
		cfg.Converter.FFmpegPath = "ffmpeg"
	}
	if cfg.Engine.WhisperPath == "" {
		cfg.Engine.WhisperPath = "whisper-cli"
	}
	if cfg.Engine.ModelDir == "" {
		cfg.Engine.ModelDir = "models"
	}
	if len(cfg.Engine.Models) == 0 {
		cfg.Engine.Models = []string{"tiny", "base", "small", "medium", "large-v3"}
	}
	if cfg.Engine.DefaultModel == "" {
		cfg.Engine.DefaultModel = "base"
	}
	if cfg.Accelerator.NvidiaSMIPath == "" {
		cfg.Accelerator.NvidiaSMIPath = "nvidia-smi"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv overrides file values with MURMUR_* environment variables so
// secrets such as the database DSN can stay out of the YAML file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("MURMUR_DATABASE_DSN", &cfg.Database.DSN)
	str("MURMUR_REDIS_URL", &cfg.Redis.URL)
	str("MURMUR_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("MURMUR_DATA_DIR", &cfg.Storage.DataDir)
	str("MURMUR_MODEL_DIR", &cfg.Engine.ModelDir)
	str("MURMUR_LOG_LEVEL", &cfg.Log.Level)

	if err := num("MURMUR_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := num("MURMUR_JOB_TIMEOUT_SECONDS", &cfg.Worker.JobTimeoutSeconds); err != nil {
		return err
	}
	if v, ok := lookup("MURMUR_ACCELERATOR_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MURMUR_ACCELERATOR_ENABLED: %w", err)
		}
		cfg.Accelerator.Enabled = b
	}
	if v, ok := lookup("MURMUR_MAX_FILE_SIZE_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MURMUR_MAX_FILE_SIZE_BYTES: %w", err)
		}
		cfg.Limits.MaxFileSizeBytes = n
	}
	return nil
}

// Validate rejects combinations that would leave the service unusable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("storage.backend=postgres requires database.dsn")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("storage.backend=redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (expected memory|postgres|redis)", c.Storage.Backend)
	}

	found := false
	for _, m := range c.Engine.Models {
		if m == c.Engine.DefaultModel {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("engine.defaultModel %q is not listed in engine.models", c.Engine.DefaultModel)
	}
	return nil
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}

func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Worker.RetryBackoffBaseSeconds * float64(time.Second))
}

func (c *Config) ResultRetention() time.Duration {
	return time.Duration(c.Retention.ResultRetentionSeconds) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Retention.CleanupIntervalSeconds) * time.Second
}
