// Package config defines the tunables that govern one mount: block size,
// cache limits, upload concurrency, compression choice, and the metadata
// upload cadence. Values fixed at mkfs time are recorded here too so
// callers have one place to look, but only the runtime knobs are meant to
// change between mounts of the same filesystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/s3ql-go/s3ql/pkg/types"
)

// Params are the parameters fixed at mkfs time and never changed for the
// life of the filesystem (§3 "Parameters (immutable after mkfs)"). This
// is the same struct metadb persists; it lives as an alias here so
// mkfs-time defaulting and validation stay next to the rest of the
// mount configuration instead of splitting across two packages.
type Params = types.Params

// DefaultParams returns the mkfs defaults: a 10 MiB block and BLAKE3
// content hashing.
func DefaultParams() Params {
	return Params{
		DataBlockSize: 10 * 1024 * 1024,
		HashAlgorithm: "blake3-256",
	}
}

// Configuration is the set of tunables for one mount, per §9's
// enumerated list: max_cache_entries, max_cache_size, upload_threads,
// compression_algorithm, compression_level, metadata_upload_interval,
// ssl_verify, backend_options. data_block_size is not here: it is
// fixed at mkfs time and lives in Params.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Cache       CacheConfig       `yaml:"cache"`
	Upload      UploadConfig      `yaml:"upload"`
	Compression CompressionConfig `yaml:"compression"`
	Backend     BackendConfig     `yaml:"backend"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings that are not mount parameters.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	CacheDir    string `yaml:"cache_dir"`
	MetricsPort int    `yaml:"metrics_port"`

	// AuthFile is the path to the backend credentials file. Only the
	// resolved path is a mount tunable; parsing its contents is a
	// backend concern.
	AuthFile string `yaml:"authfile"`
}

// CacheConfig bounds the local block cache (§4.5's two caps).
type CacheConfig struct {
	MaxEntries int   `yaml:"max_cache_entries"`
	MaxSize    int64 `yaml:"max_cache_size"`
}

// UploadConfig sizes the background upload pipeline (§4.7, §5).
type UploadConfig struct {
	UploadThreads          int           `yaml:"upload_threads"`
	MetadataUploadInterval time.Duration `yaml:"metadata_upload_interval"`
	MetadataBackups        int           `yaml:"metadata_backups"`
}

// CompressionConfig selects the write-time codec (§4.2).
type CompressionConfig struct {
	Algorithm string `yaml:"compression_algorithm"`
	Level     int    `yaml:"compression_level"`
}

// BackendConfig carries the backend URL and its capability-specific
// options bag, plus TLS verification (§9's ssl_verify).
type BackendConfig struct {
	URL            string            `yaml:"url"`
	SSLVerify      bool              `yaml:"ssl_verify"`
	BackendOptions map[string]string `yaml:"backend_options"`
}

// NetworkConfig configures backend I/O timeouts and retry behavior.
type NetworkConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TimeoutConfig represents timeout settings for backend calls.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings for backend calls (§4.1).
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// MonitoringConfig represents observability settings.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents Prometheus metrics settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// LoggingConfig represents structured logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			CacheDir:    "~/.s3ql",
			MetricsPort: 8080,
			AuthFile:    "~/.s3ql/authinfo2",
		},
		Cache: CacheConfig{
			MaxEntries: 512,
			MaxSize:    5 * 1024 * 1024 * 1024,
		},
		Upload: UploadConfig{
			UploadThreads:          10,
			MetadataUploadInterval: 24 * time.Hour,
			MetadataBackups:        10,
		},
		Compression: CompressionConfig{
			Algorithm: "zlib",
			Level:     6,
		},
		Backend: BackendConfig{
			SSLVerify:      true,
			BackendOptions: map[string]string{},
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "s3ql",
				},
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("S3QL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("S3QL_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("S3QL_CACHE_DIR"); val != "" {
		c.Global.CacheDir = val
	}
	if val := os.Getenv("AUTHFILE"); val != "" {
		c.Global.AuthFile = val
	}
	if val := os.Getenv("S3QL_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("S3QL_MAX_CACHE_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if val := os.Getenv("S3QL_MAX_CACHE_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MaxSize = n
		}
	}
	if val := os.Getenv("S3QL_UPLOAD_THREADS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Upload.UploadThreads = n
		}
	}
	if val := os.Getenv("S3QL_COMPRESSION_ALGORITHM"); val != "" {
		c.Compression.Algorithm = val
	}
	if val := os.Getenv("S3QL_SSL_VERIFY"); val != "" {
		c.Backend.SSLVerify = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration, including the §9 open question:
// max_cache_size smaller than data_block_size is rejected as
// invalid-argument (surfaced by the caller via pkg/errors).
func (c *Configuration) Validate(blockSize int64) error {
	if c.Upload.UploadThreads <= 0 {
		return fmt.Errorf("upload_threads must be greater than 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("max_cache_entries must be greater than 0")
	}
	if c.Cache.MaxSize < blockSize {
		return fmt.Errorf("max_cache_size (%d) must be >= data_block_size (%d)", c.Cache.MaxSize, blockSize)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validAlgorithms := []string{"none", "zlib", "bzip2", "lzma"}
	algValid := false
	for _, alg := range validAlgorithms {
		if c.Compression.Algorithm == alg {
			algValid = true
			break
		}
	}
	if !algValid {
		return fmt.Errorf("invalid compression_algorithm: %s", c.Compression.Algorithm)
	}

	return nil
}
