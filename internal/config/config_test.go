package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1048576), cfg.Compression.TargetSizeBytes)
	assert.Equal(t, 2160, cfg.Compression.MaxDimension)
	assert.Equal(t, int64(50*1024*1024), cfg.Compression.MaxInputBytes)
	assert.Equal(t, 60*time.Second, cfg.Compression.Timeout)
	assert.Equal(t, 90, cfg.Compression.HEICQuality)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
compression:
  target_size_bytes: 524288
  max_dimension: 1080
  timeout: 30s
batch:
  worker_threads: 2
  dry_run: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(524288), cfg.Compression.TargetSizeBytes)
	assert.Equal(t, 1080, cfg.Compression.MaxDimension)
	assert.Equal(t, 30*time.Second, cfg.Compression.Timeout)
	assert.Equal(t, 2, cfg.Batch.WorkerThreads)
	assert.True(t, cfg.Batch.DryRun)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(50*1024*1024), cfg.Compression.MaxInputBytes)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PHOTO_PREP_COMPRESSION_MAX_DIMENSION", "1440")
	t.Setenv("PHOTO_PREP_SERVER_PORT", "9090")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1440, cfg.Compression.MaxDimension)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero target", func(c *Config) { c.Compression.TargetSizeBytes = 0 }, "target_size_bytes"},
		{"negative dimension", func(c *Config) { c.Compression.MaxDimension = -1 }, "max_dimension"},
		{"heic quality", func(c *Config) { c.Compression.HEICQuality = 101 }, "heic_quality"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"timeout defaulted", func(c *Config) { c.Compression.Timeout = 0 }, ""},
		{"workers defaulted", func(c *Config) { c.Batch.WorkerThreads = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 60*time.Second, cfg.Compression.Timeout)
				assert.Equal(t, 4, cfg.Batch.WorkerThreads)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetOutputDirectory(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/photos-webp", cfg.GetOutputDirectory("/photos"))
	assert.Equal(t, "/photos-webp", cfg.GetOutputDirectory("/photos/"))

	cfg.Batch.OutputDirectory = "/out"
	assert.Equal(t, "/out", cfg.GetOutputDirectory("/photos"))
}
