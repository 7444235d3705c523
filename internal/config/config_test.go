package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Cache.MaxEntries != 512 {
		t.Errorf("Expected MaxEntries to be 512, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Upload.UploadThreads != 10 {
		t.Errorf("Expected UploadThreads to be 10, got %d", cfg.Upload.UploadThreads)
	}
	if cfg.Upload.MetadataUploadInterval != 24*time.Hour {
		t.Errorf("Expected MetadataUploadInterval to be 24h, got %v", cfg.Upload.MetadataUploadInterval)
	}
	if cfg.Compression.Algorithm != "zlib" {
		t.Errorf("Expected Algorithm to be zlib, got %s", cfg.Compression.Algorithm)
	}
	if !cfg.Backend.SSLVerify {
		t.Error("Expected SSLVerify to be true by default")
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.DataBlockSize != 10*1024*1024 {
		t.Errorf("Expected default block size of 10 MiB, got %d", p.DataBlockSize)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Default params should validate, got %v", err)
	}
}

func TestParamsValidateRejectsSmallBlocks(t *testing.T) {
	p := Params{DataBlockSize: 4096}
	if err := p.Validate(); err == nil {
		t.Error("Expected an error for a block size below 64 KiB")
	}
}

func TestParamsValidateRejectsNonPowerOfTwo(t *testing.T) {
	p := Params{DataBlockSize: 100 * 1024}
	if err := p.Validate(); err == nil {
		t.Error("Expected an error for a non-power-of-two block size")
	}
}

func TestValidate(t *testing.T) {
	const blockSize = 10 * 1024 * 1024

	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  NewDefault,
			wantErr: false,
		},
		{
			name: "zero upload threads",
			config: func() *Configuration {
				c := NewDefault()
				c.Upload.UploadThreads = 0
				return c
			},
			wantErr: true,
		},
		{
			name: "cache smaller than block size",
			config: func() *Configuration {
				c := NewDefault()
				c.Cache.MaxSize = blockSize - 1
				return c
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				c := NewDefault()
				c.Global.LogLevel = "VERBOSE"
				return c
			},
			wantErr: true,
		},
		{
			name: "invalid compression algorithm",
			config: func() *Configuration {
				c := NewDefault()
				c.Compression.Algorithm = "brotli"
				return c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate(blockSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `
global:
  log_level: DEBUG
cache:
  max_cache_entries: 1000
  max_cache_size: 1073741824
upload:
  upload_threads: 4
compression:
  compression_algorithm: none
`
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("Expected MaxEntries 1000, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Upload.UploadThreads != 4 {
		t.Errorf("Expected UploadThreads 4, got %d", cfg.Upload.UploadThreads)
	}
	if cfg.Compression.Algorithm != "none" {
		t.Errorf("Expected Algorithm none, got %s", cfg.Compression.Algorithm)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected an error loading a missing config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("S3QL_LOG_LEVEL", "WARN")
	t.Setenv("S3QL_UPLOAD_THREADS", "20")
	t.Setenv("S3QL_COMPRESSION_ALGORITHM", "none")
	t.Setenv("S3QL_SSL_VERIFY", "false")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Upload.UploadThreads != 20 {
		t.Errorf("Expected UploadThreads 20, got %d", cfg.Upload.UploadThreads)
	}
	if cfg.Compression.Algorithm != "none" {
		t.Errorf("Expected Algorithm none, got %s", cfg.Compression.Algorithm)
	}
	if cfg.Backend.SSLVerify {
		t.Error("Expected SSLVerify to be false")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "DEBUG"
	cfg.Backend.BackendOptions["region"] = "us-west-2"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if loaded.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG after round-trip, got %s", loaded.Global.LogLevel)
	}
	if loaded.Backend.BackendOptions["region"] != "us-west-2" {
		t.Errorf("Expected backend_options.region to survive round-trip, got %v", loaded.Backend.BackendOptions)
	}
}
