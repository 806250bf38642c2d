package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"vmpuller/pkg/archive"
)

// RegistryConfig holds the upstream OCI registry host and retry budget.
type RegistryConfig struct {
	Host       string `yaml:"host"`
	MaxRetries int    `yaml:"maxRetries"`
}

// ConcurrencyConfig holds the configured download parallelism. The
// download scheduler does not read it; its in-flight limit is fixed at 5.
type ConcurrencyConfig struct {
	MaxParallelDownloads int `yaml:"maxParallelDownloads"`
}

// ArchiveConfig selects and configures an optional cache-archival
// backend, consumed only by pkg/archive, never by the core pull path.
type ArchiveConfig struct {
	Provider string `yaml:"provider"` // "", "azure", "gcp", or "aws"
	GCP      struct {
		Bucket          string `yaml:"bucket"`
		ProjectID       string `yaml:"projectID"`
		CredentialsFile string `yaml:"credentialsFile"`
	} `yaml:"gcp"`
	AWS struct {
		Bucket string `yaml:"bucket"`
		Region string `yaml:"region"`
	} `yaml:"aws"`
	Azure struct {
		StorageAccount string `yaml:"account"`
		Container      string `yaml:"container"`
	} `yaml:"azure"`
}

// IndexConfig configures the optional imageindex redis accelerator.
type IndexConfig struct {
	RedisAddr string `yaml:"redisAddr"` // empty disables the accelerator
}

// LoggingConfig controls the logger's level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the engine's full configuration, loaded from YAML with env
// overrides layered on top.
type Config struct {
	CacheDir    string            `yaml:"cacheDirectory"`
	Registry    RegistryConfig    `yaml:"registry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Index       IndexConfig       `yaml:"index"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Secrets holds credential material that never belongs in the YAML
// config file, loaded separately from the environment.
type Secrets struct {
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	GCPCredentialsFile     string
	AzureStorageAccountKey string
}

// CacheDirectory implements the Settings provider's cacheDirectory()
// collaborator method from spec.md §6.
func (c *Config) CacheDirectory() string {
	return c.CacheDir
}

// RegistryHost implements the engine's registry-host collaborator need.
func (c *Config) RegistryHost() string {
	return c.Registry.Host
}

// ArchiveConfig adapts the loaded Archive section into the shape
// pkg/archive.New expects, per SPEC_FULL.md §6's addendum to the
// Settings provider interface.
func (c *Config) ArchiveConfig() archive.Config {
	cfg := archive.Config{Provider: archive.Provider(c.Archive.Provider)}
	cfg.AWS.Bucket = c.Archive.AWS.Bucket
	cfg.AWS.Region = c.Archive.AWS.Region
	cfg.GCP.Bucket = c.Archive.GCP.Bucket
	cfg.GCP.ProjectID = c.Archive.GCP.ProjectID
	cfg.GCP.CredentialsFile = c.Archive.GCP.CredentialsFile
	cfg.Azure.StorageAccount = c.Archive.Azure.StorageAccount
	cfg.Azure.Container = c.Archive.Azure.Container
	return cfg
}

// RedisAddr implements the Settings provider's redisAddr() collaborator
// method from SPEC_FULL.md §6.
func (c *Config) RedisAddr() string {
	return c.Index.RedisAddr
}

// LoadConfig reads path as YAML, applies defaults, then layers env
// overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	applyDefaults(cfg)
	loadConfigFromEnv(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = "~/.cache/vmpuller"
	}
	if cfg.Registry.Host == "" {
		cfg.Registry.Host = "ghcr.io"
	}
	if cfg.Registry.MaxRetries == 0 {
		cfg.Registry.MaxRetries = 5
	}
	if cfg.Concurrency.MaxParallelDownloads == 0 {
		cfg.Concurrency.MaxParallelDownloads = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// loadConfigFromEnv layers the documented VMPULLER_* overrides on top of
// whatever the YAML file set, mirroring the teacher's env-override
// pattern.
func loadConfigFromEnv(cfg *Config) {
	if dir := os.Getenv("VMPULLER_CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}
	if level := os.Getenv("VMPULLER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("VMPULLER_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if host := os.Getenv("VMPULLER_REGISTRY_HOST"); host != "" {
		cfg.Registry.Host = host
	}
	if provider := os.Getenv("VMPULLER_ARCHIVE_PROVIDER"); provider != "" {
		cfg.Archive.Provider = provider
	}
	if bucket := os.Getenv("VMPULLER_ARCHIVE_AWS_BUCKET"); bucket != "" {
		cfg.Archive.AWS.Bucket = bucket
	}
	if region := os.Getenv("VMPULLER_ARCHIVE_AWS_REGION"); region != "" {
		cfg.Archive.AWS.Region = region
	}
	if bucket := os.Getenv("VMPULLER_ARCHIVE_GCP_BUCKET"); bucket != "" {
		cfg.Archive.GCP.Bucket = bucket
	}
	if project := os.Getenv("VMPULLER_ARCHIVE_GCP_PROJECT_ID"); project != "" {
		cfg.Archive.GCP.ProjectID = project
	}
	if account := os.Getenv("VMPULLER_ARCHIVE_AZURE_ACCOUNT"); account != "" {
		cfg.Archive.Azure.StorageAccount = account
	}
	if container := os.Getenv("VMPULLER_ARCHIVE_AZURE_CONTAINER"); container != "" {
		cfg.Archive.Azure.Container = container
	}
	if addr := os.Getenv("VMPULLER_INDEX_REDIS_ADDR"); addr != "" {
		cfg.Index.RedisAddr = addr
	}
	if retries := os.Getenv("VMPULLER_REGISTRY_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			cfg.Registry.MaxRetries = n
		}
	}
}

// LoadSecrets reads provider credentials from the environment, kept
// separate from the YAML file so secrets never round-trip through a
// config dump.
func LoadSecrets() *Secrets {
	return &Secrets{
		AWSAccessKeyID:         os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
		GCPCredentialsFile:     os.Getenv("GCP_CREDENTIALS_FILE"),
		AzureStorageAccountKey: os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"),
	}
}

// ArchiveSecretsFor adapts Secrets into pkg/archive's Secrets shape.
func (s *Secrets) ArchiveSecretsFor() archive.Secrets {
	return archive.Secrets{
		AWSAccessKeyID:         s.AWSAccessKeyID,
		AWSSecretAccessKey:     s.AWSSecretAccessKey,
		AzureStorageAccountKey: s.AzureStorageAccountKey,
	}
}
