package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Download failure policies
const (
	OnDownloadErrorAbort = "abort"
	OnDownloadErrorSkip  = "skip"
)

// Config represents the application configuration
type Config struct {
	Project         string   `yaml:"project"`
	Location        string   `yaml:"location"`
	CredentialsFile string   `yaml:"credentials_file"`
	Storage         Storage  `yaml:"storage"`
	Pipeline        Pipeline `yaml:"pipeline"`
	Log             Log      `yaml:"log"`
	MetricsAddr     string   `yaml:"metrics_addr"`
}

// Storage selects and configures the object-storage driver
type Storage struct {
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Pipeline represents pipeline-specific configuration
type Pipeline struct {
	SourceBucket    string        `yaml:"source_bucket"`
	ExportBucket    string        `yaml:"export_bucket"`
	Dataset         string        `yaml:"dataset"`
	DownloadDir     string        `yaml:"download_dir"`
	Concurrency     int           `yaml:"concurrency"`
	PollAttempts    int           `yaml:"poll_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	OnDownloadError string        `yaml:"on_download_error"`
	DryRun          bool          `yaml:"dry_run"`
	Checkpoint      string        `yaml:"checkpoint"`
	ShowProgress    bool          `yaml:"show_progress"`
}

// Log configures console and rotating file output
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used before any file, env or flag is applied
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver: "gcs",
			Secure: true,
		},
		Pipeline: Pipeline{
			DownloadDir:     ".",
			Concurrency:     1,
			PollAttempts:    100,
			PollInterval:    10 * time.Second,
			OnDownloadError: OnDownloadErrorAbort,
			Checkpoint:      "./bqdrain.db",
			ShowProgress:    true,
		},
		Log: Log{
			Level:      "info",
			Format:     "console",
			File:       "log/import.log",
			MaxSizeMB:  5,
			MaxBackups: 7,
		},
	}
}

// Load loads configuration from file, environment and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// CheckpointPath returns pipeline.checkpoint from the defaults and the
// optional config file, without validating anything else
func CheckpointPath(configFile string) (string, error) {
	cfg := Default()
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return "", fmt.Errorf("failed to load config file: %w", err)
		}
	}
	return cfg.Pipeline.Checkpoint, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv applies BQDRAIN_* variables. Secrets are expected here rather
// than in the config file.
func loadFromEnv(cfg *Config) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
				*dst = v
				return
			}
		}
	}

	set(&cfg.Project, "BQDRAIN_PROJECT", "GOOGLE_CLOUD_PROJECT")
	set(&cfg.CredentialsFile, "BQDRAIN_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	set(&cfg.Storage.AccessKey, "BQDRAIN_STORAGE_ACCESS_KEY")
	set(&cfg.Storage.SecretKey, "BQDRAIN_STORAGE_SECRET_KEY")
	set(&cfg.Pipeline.SourceBucket, "BQDRAIN_SOURCE_BUCKET")
	set(&cfg.Pipeline.ExportBucket, "BQDRAIN_EXPORT_BUCKET")
	set(&cfg.Pipeline.Dataset, "BQDRAIN_DATASET")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("project") {
		cfg.Project, _ = flags.GetString("project")
	}
	if flags.Changed("location") {
		cfg.Location, _ = flags.GetString("location")
	}
	if flags.Changed("credentials-file") {
		cfg.CredentialsFile, _ = flags.GetString("credentials-file")
	}

	if flags.Changed("storage-driver") {
		cfg.Storage.Driver, _ = flags.GetString("storage-driver")
	}
	if flags.Changed("storage-endpoint") {
		cfg.Storage.Endpoint, _ = flags.GetString("storage-endpoint")
	}

	if flags.Changed("source-bucket") {
		cfg.Pipeline.SourceBucket, _ = flags.GetString("source-bucket")
	}
	if flags.Changed("export-bucket") {
		cfg.Pipeline.ExportBucket, _ = flags.GetString("export-bucket")
	}
	if flags.Changed("dataset") {
		cfg.Pipeline.Dataset, _ = flags.GetString("dataset")
	}
	if flags.Changed("download-dir") {
		cfg.Pipeline.DownloadDir, _ = flags.GetString("download-dir")
	}
	if flags.Changed("concurrency") {
		cfg.Pipeline.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("poll-attempts") {
		cfg.Pipeline.PollAttempts, _ = flags.GetInt("poll-attempts")
	}
	if flags.Changed("poll-interval") {
		cfg.Pipeline.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("on-download-error") {
		cfg.Pipeline.OnDownloadError, _ = flags.GetString("on-download-error")
	}
	if flags.Changed("dry-run") {
		cfg.Pipeline.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("checkpoint") {
		cfg.Pipeline.Checkpoint, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("show-progress") {
		cfg.Pipeline.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

// Validate checks the configuration. The project may be left empty; it is
// then detected from the default credentials at startup.
func (c *Config) Validate() error {
	if c.Pipeline.SourceBucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if c.Pipeline.ExportBucket == "" {
		return fmt.Errorf("export bucket is required")
	}
	if c.Pipeline.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}

	switch c.Storage.Driver {
	case "gcs":
	case "s3":
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("s3 storage driver requires access key and secret key")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Pipeline.PollAttempts <= 0 {
		return fmt.Errorf("poll attempts must be positive")
	}
	if c.Pipeline.PollInterval < 0 {
		return fmt.Errorf("poll interval cannot be negative")
	}

	switch c.Pipeline.OnDownloadError {
	case OnDownloadErrorAbort, OnDownloadErrorSkip:
	default:
		return fmt.Errorf("on_download_error must be %q or %q", OnDownloadErrorAbort, OnDownloadErrorSkip)
	}

	if c.Log.File != "" && (c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0) {
		return fmt.Errorf("log rotation requires a positive max size and a non-negative backup count")
	}

	return nil
}
