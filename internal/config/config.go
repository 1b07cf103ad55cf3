package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the defaults applied to every compression
type CompressionConfig struct {
	TargetSizeBytes int64         `mapstructure:"target_size_bytes"`
	MaxDimension    int           `mapstructure:"max_dimension"`
	MaxInputBytes   int64         `mapstructure:"max_input_bytes"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HEICQuality     int           `mapstructure:"heic_quality"`
}

// BatchConfig contains directory compression settings
type BatchConfig struct {
	WorkerThreads   int    `mapstructure:"worker_threads"`
	OutputDirectory string `mapstructure:"output_directory"`
	SkipExisting    bool   `mapstructure:"skip_existing"`
	DryRun          bool   `mapstructure:"dry_run"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

const (
	defaultTargetSize   = 1024 * 1024
	defaultMaxDimension = 2160
	defaultMaxInput     = 50 * 1024 * 1024
	defaultTimeout      = 60 * time.Second
	defaultHEICQuality  = 90
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			TargetSizeBytes: defaultTargetSize,
			MaxDimension:    defaultMaxDimension,
			MaxInputBytes:   defaultMaxInput,
			Timeout:         defaultTimeout,
			HEICQuality:     defaultHEICQuality,
		},
		Batch: BatchConfig{
			WorkerThreads: 4,
			SkipExisting:  true,
			DryRun:        false,
		},
		Server: ServerConfig{
			Port:           8080,
			MaxUploadBytes: defaultMaxInput + 1024*1024, // multipart overhead
			ReadTimeout:    2 * time.Minute,
			WriteTimeout:   2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "photo-prep.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	config := DefaultConfig()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.photo-prep")
		v.AddConfigPath("/etc/photo-prep")
	}

	v.SetEnvPrefix("PHOTO_PREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnv registers every key so AutomaticEnv also applies to Unmarshal
// when no config file mentions it.
func bindEnv(v *viper.Viper, c *Config) {
	v.SetDefault("compression.target_size_bytes", c.Compression.TargetSizeBytes)
	v.SetDefault("compression.max_dimension", c.Compression.MaxDimension)
	v.SetDefault("compression.max_input_bytes", c.Compression.MaxInputBytes)
	v.SetDefault("compression.timeout", c.Compression.Timeout)
	v.SetDefault("compression.heic_quality", c.Compression.HEICQuality)
	v.SetDefault("batch.worker_threads", c.Batch.WorkerThreads)
	v.SetDefault("batch.output_directory", c.Batch.OutputDirectory)
	v.SetDefault("batch.skip_existing", c.Batch.SkipExisting)
	v.SetDefault("batch.dry_run", c.Batch.DryRun)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.max_upload_bytes", c.Server.MaxUploadBytes)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Compression.TargetSizeBytes <= 0 {
		return fmt.Errorf("compression.target_size_bytes must be positive, got %d", c.Compression.TargetSizeBytes)
	}
	if c.Compression.MaxDimension <= 0 {
		return fmt.Errorf("compression.max_dimension must be positive, got %d", c.Compression.MaxDimension)
	}
	if c.Compression.MaxInputBytes <= 0 {
		c.Compression.MaxInputBytes = defaultMaxInput
	}
	if c.Compression.Timeout <= 0 {
		c.Compression.Timeout = defaultTimeout
	}
	if c.Compression.HEICQuality < 1 || c.Compression.HEICQuality > 100 {
		return fmt.Errorf("compression.heic_quality must be between 1 and 100, got %d", c.Compression.HEICQuality)
	}

	if c.Batch.WorkerThreads <= 0 {
		c.Batch.WorkerThreads = 4
	}
	if c.Batch.OutputDirectory != "" {
		c.Batch.OutputDirectory = expandPath(c.Batch.OutputDirectory)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = c.Compression.MaxInputBytes
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// DefaultOutputSuffix names the sibling directory batch output goes to
// when none is configured.
const DefaultOutputSuffix = "-webp"

// GetOutputDirectory returns the batch output directory. Without one
// configured it is a sibling of source, e.g. /photos -> /photos-webp.
func (c *Config) GetOutputDirectory(source string) string {
	if c.Batch.OutputDirectory != "" {
		return c.Batch.OutputDirectory
	}
	return filepath.Clean(source) + DefaultOutputSuffix
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}
