// Package config provides configuration for skippy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up in the project root.
const DefaultFile = "skippy.yaml"

// Backend names.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
	BackendHTTP   = "http"
)

// Config holds the settings of a project.
type Config struct {
	Repository Repository `yaml:"repository"`
	// AlwaysExecute lists test name patterns that are never skipped.
	AlwaysExecute []string `yaml:"always_execute"`
	// TagRules is an optional YAML file with further tag rules.
	TagRules   string     `yaml:"tag_rules"`
	Retention  Retention  `yaml:"retention"`
	Coverage   Coverage   `yaml:"coverage"`
	Units      Units      `yaml:"units"`
	Compaction Compaction `yaml:"compaction"`
	Server     Server     `yaml:"server"`
}

// Repository selects and locates the artifact repository.
type Repository struct {
	// Backend is one of fs, sqlite, badger, gcs or http.
	Backend string `yaml:"backend"`
	// Path is the directory (fs, badger) or database file (sqlite).
	Path string `yaml:"path"`
	// Bucket and Prefix locate a gcs repository.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// CredentialsFile is an optional service account key for gcs.
	CredentialsFile string `yaml:"credentials_file"`
	// URL is the base URL of a skippy server (http).
	URL string `yaml:"url"`
}

// Retention is the policy applied by the prune command.
type Retention struct {
	// KeepSnapshots is how many snapshots to keep; 0 keeps all.
	KeepSnapshots int  `yaml:"keep_snapshots"`
	PruneRecords  bool `yaml:"prune_records"`
}

// Coverage settings.
type Coverage struct {
	// MergeSkipped writes a merged record of the skipped tests' previous
	// coverage so that coverage reports stay complete.
	MergeSkipped bool `yaml:"merge_skipped"`
}

// Units locates the compiled units of the project.
type Units struct {
	Dirs    []string `yaml:"dirs"`
	Pattern string   `yaml:"pattern"`
}

// Compaction settings.
type Compaction struct {
	// Parallelism bounds concurrent capture reads.
	Parallelism int `yaml:"parallelism"`
	// DiscardStale deletes captures of other dependency sets.
	DiscardStale bool `yaml:"discard_stale"`
}

// Server settings for skippy serve.
type Server struct {
	Listen      string        `yaml:"listen"`
	MaxBlobSize int64         `yaml:"max_blob_size"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Repository: Repository{
			Backend: BackendFS,
			Path:    ".skippy",
		},
		Units: Units{
			Pattern: "**/*.class",
		},
		Compaction: Compaction{
			Parallelism: 8,
		},
		Server: Server{
			Listen:      ":7448",
			MaxBlobSize: 64 * 1024 * 1024, // 64MB
			Timeout:     2 * time.Minute,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Validate checks that the settings are consistent.
func (c *Config) Validate() error {
	r := c.Repository
	switch r.Backend {
	case BackendFS, BackendSQLite, BackendBadger:
		if r.Path == "" {
			return fmt.Errorf("repository.path is required for the %s backend", r.Backend)
		}
	case BackendGCS:
		if r.Bucket == "" {
			return fmt.Errorf("repository.bucket is required for the gcs backend")
		}
	case BackendHTTP:
		if r.URL == "" {
			return fmt.Errorf("repository.url is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown repository backend %q", r.Backend)
	}
	if c.Retention.KeepSnapshots < 0 {
		return fmt.Errorf("retention.keep_snapshots must not be negative")
	}
	if c.Compaction.Parallelism < 0 {
		return fmt.Errorf("compaction.parallelism must not be negative")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Repository.Backend = getEnv("SKIPPY_BACKEND", c.Repository.Backend)
	c.Repository.Path = getEnv("SKIPPY_PATH", c.Repository.Path)
	c.Repository.URL = getEnv("SKIPPY_URL", c.Repository.URL)
	c.Repository.Bucket = getEnv("SKIPPY_BUCKET", c.Repository.Bucket)
	c.Server.Listen = getEnv("SKIPPY_LISTEN", c.Server.Listen)
	c.Server.MaxBlobSize = getEnvInt64("SKIPPY_MAX_BLOB_SIZE", c.Server.MaxBlobSize)
	c.Retention.KeepSnapshots = getEnvInt("SKIPPY_KEEP_SNAPSHOTS", c.Retention.KeepSnapshots)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
