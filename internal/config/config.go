package config

import (
	"fmt"
	"os"
	"path/filepath"

	"ledgermigrate/internal/backup"
	"ledgermigrate/internal/errs"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// StateDirName is the default state directory inside the repository
	StateDirName = ".ledgermigrate"
	// SourceDirName is the default legacy tracking directory inside the repository
	SourceDirName = ".timetrack"
)

// Config represents the application configuration
type Config struct {
	RepoRoot  string    `yaml:"repo_root" validate:"required"`
	StateDir  string    `yaml:"state_dir" validate:"required"`
	SourceDir string    `yaml:"source_dir" validate:"required"`
	LogLevel  string    `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile   string    `yaml:"log_file"`
	Migration Migration `yaml:"migration"`
	Backup    Backup    `yaml:"backup"`
}

// Migration represents migration-specific configuration
type Migration struct {
	BatchSize       int    `yaml:"batch_size" validate:"min=1,max=100000"`
	EncryptUsers    bool   `yaml:"encrypt_users"`
	Anonymize       bool   `yaml:"anonymize"`
	AnonymizeSalt   string `yaml:"anonymize_salt"`
	SaltFile        string `yaml:"salt_file"`
	KeyFile         string `yaml:"key_file"`
	SkipParseErrors bool   `yaml:"skip_parse_errors"`
	MinFreeBytes    uint64 `yaml:"min_free_bytes"`
	ShowProgress    bool   `yaml:"show_progress"`
	MetricsAddr     string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Workers         int    `yaml:"workers" validate:"min=1,max=64"`
}

// Backup represents backup retention and mirroring configuration
type Backup struct {
	Retention Retention `yaml:"retention"`
	Mirror    *Mirror   `yaml:"mirror"`
}

// Retention is the pruning policy applied by `backups prune`
type Retention struct {
	MaxAge     string `yaml:"max_age" validate:"retention_age"`
	MinBackups int    `yaml:"min_backups" validate:"min=0"`
}

// Mirror is an S3-compatible bucket receiving a copy of every backup
type Mirror struct {
	Endpoint  string `yaml:"endpoint" validate:"required"`
	AccessKey string `yaml:"access_key" validate:"required"`
	SecretKey string `yaml:"secret_key" validate:"required"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket" validate:"required"`
	Prefix    string `yaml:"prefix"`
}

// Policy converts the configured retention into a backup.Retention
func (r Retention) Policy() (backup.Retention, error) {
	age, err := backup.ParseRetentionAge(r.MaxAge)
	if err != nil {
		return backup.Retention{}, err
	}
	return backup.Retention{MaxAge: age, MinBackups: r.MinBackups}, nil
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		RepoRoot: ".",
		LogLevel: "info",
		Migration: Migration{
			BatchSize:    100,
			MinFreeBytes: 64 << 20, // 64MiB
			ShowProgress: true,
			Workers:      4,
		},
		Backup: Backup{
			Retention: Retention{MinBackups: 3},
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, errs.New(errs.KindConfig, "failed to load config file", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, errs.New(errs.KindConfig, "failed to load flags", err)
		}
	}

	cfg.applyDerivedDefaults()

	if err := cfg.validate(); err != nil {
		return nil, errs.New(errs.KindConfig, "invalid configuration", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}
	integer := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}

	str("repo", &cfg.RepoRoot)
	str("state-dir", &cfg.StateDir)
	str("source-dir", &cfg.SourceDir)
	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)

	integer("batch-size", &cfg.Migration.BatchSize)
	boolean("encrypt-users", &cfg.Migration.EncryptUsers)
	boolean("anonymize", &cfg.Migration.Anonymize)
	str("anonymize-salt", &cfg.Migration.AnonymizeSalt)
	str("key-file", &cfg.Migration.KeyFile)
	boolean("skip-parse-errors", &cfg.Migration.SkipParseErrors)
	boolean("show-progress", &cfg.Migration.ShowProgress)
	str("metrics-addr", &cfg.Migration.MetricsAddr)
	integer("workers", &cfg.Migration.Workers)

	return err
}

// applyDerivedDefaults fills paths that default relative to other settings
func (c *Config) applyDerivedDefaults() {
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.RepoRoot, StateDirName)
	}
	if c.SourceDir == "" {
		c.SourceDir = filepath.Join(c.RepoRoot, SourceDirName)
	}
	if c.Migration.KeyFile == "" {
		c.Migration.KeyFile = filepath.Join(c.StateDir, "ledger.key")
	}
	if c.Migration.SaltFile == "" {
		c.Migration.SaltFile = filepath.Join(c.StateDir, "anonymize.salt")
	}
}

// StorePath returns the structured store directory
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "store")
}

// BackupPath returns the directory holding all backups
func (c *Config) BackupPath() string {
	return filepath.Join(c.StateDir, "backups")
}

// CheckpointPath returns the checkpoint database file
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.StateDir, "checkpoint.db")
}

// ReportPath returns the directory receiving run reports
func (c *Config) ReportPath() string {
	return filepath.Join(c.StateDir, "reports")
}

func (c *Config) validate() error {
	v := validator.New()
	if err := v.RegisterValidation("retention_age", validateRetentionAge); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.StateDir == c.SourceDir {
		return fmt.Errorf("state dir and source dir must differ: %s", c.StateDir)
	}
	return nil
}

func validateRetentionAge(fl validator.FieldLevel) bool {
	_, err := backup.ParseRetentionAge(fl.Field().String())
	return err == nil
}
